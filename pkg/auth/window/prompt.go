package window

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
)

// PromptBrowser is the surface for callbacks no local listener can
// capture. It prints the authorization URL and asks the user to paste the
// URL the provider finally redirected to.
type PromptBrowser struct {
	Out io.Writer
	// Ask reads the redirected URL. Defaults to an interactive huh form.
	Ask func(ctx context.Context, opts Options) (string, error)
}

// Open prints the authorization URL and starts the prompt.
func (b *PromptBrowser) Open(ctx context.Context, opts Options) (Surface, error) {
	out := b.Out
	if out == nil {
		out = os.Stderr
	}
	ask := b.Ask
	if ask == nil {
		ask = askWithForm
	}

	fmt.Fprintf(out, "Open this URL in a browser to authorize:\n\n  %s\n\n", opts.AuthorizeURL)
	for name, value := range opts.Headers {
		fmt.Fprintf(out, "The provider expects header %s: %s\n", name, value)
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &promptSurface{events: make(chan Event, 2), cancel: cancel}
	s.events <- Event{Kind: Navigate, URL: opts.AuthorizeURL}

	go func() {
		defer close(s.events)
		answer, err := ask(ctx, opts)
		if err != nil || strings.TrimSpace(answer) == "" {
			s.events <- Event{Kind: Closed}
			return
		}
		s.events <- Event{Kind: Navigate, URL: strings.TrimSpace(answer)}
	}()
	return s, nil
}

type promptSurface struct {
	events chan Event
	cancel context.CancelFunc
}

func (s *promptSurface) Events() <-chan Event { return s.events }

func (s *promptSurface) Close() error {
	s.cancel()
	return nil
}

func askWithForm(ctx context.Context, opts Options) (string, error) {
	var answer string
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Redirected URL").
				Description("Paste the full URL your browser landed on after authorizing").
				Placeholder(opts.CallbackURL).
				Value(&answer).
				Validate(func(s string) error {
					u, err := url.Parse(strings.TrimSpace(s))
					if err != nil || u.Scheme == "" {
						return errors.New("enter an absolute URL")
					}
					return nil
				}),
		),
	)
	if err := form.RunWithContext(ctx); err != nil {
		return "", err
	}
	return answer, nil
}
