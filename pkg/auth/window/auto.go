package window

import (
	"context"

	"github.com/blackcoderx/courier/pkg/logging"
)

// AutoBrowser uses Loopback for loopback callbacks and Prompt for the rest.
type AutoBrowser struct {
	Loopback *LoopbackBrowser
	Prompt   *PromptBrowser
}

// NewAutoBrowser returns an AutoBrowser with default surfaces.
func NewAutoBrowser(log *logging.Logger) *AutoBrowser {
	return &AutoBrowser{
		Loopback: &LoopbackBrowser{Logger: log},
		Prompt:   &PromptBrowser{},
	}
}

func (b *AutoBrowser) Open(ctx context.Context, opts Options) (Surface, error) {
	if IsLoopbackCallback(opts.CallbackURL) {
		return b.Loopback.Open(ctx, opts)
	}
	return b.Prompt.Open(ctx, opts)
}
