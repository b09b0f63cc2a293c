package commands

import (
	"context"
	"fmt"

	"github.com/pearlops/pearld/internal/client"
)

// GetClient builds a daemon client using the current CLI globals and checks
// that pearld is actually answering.
func GetClient(ctx context.Context) (*client.Client, error) {
	c := client.New(GetDaemonAddr())
	if err := c.Healthz(ctx); err != nil {
		return nil, fmt.Errorf("pearld not running at %s (start it with 'pearld'): %w", c.BaseURL(), err)
	}
	return c, nil
}
