package fake_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saashqdev/delightful-sub003/internal/log"
	"github.com/saashqdev/delightful-sub003/internal/model"
	"github.com/saashqdev/delightful-sub003/internal/sandbox/fake"
)

func TestProvider(t *testing.T) {
	cfg := model.SandboxConfig{TopicID: "topic-1", ProjectID: "p1", WorkDir: "/workspace"}

	tests := map[string]struct {
		actions func(ctx context.Context, t *testing.T, p *fake.Provider)
	}{
		"Creating a sandbox should return a running sandbox.": {
			actions: func(ctx context.Context, t *testing.T, p *fake.Provider) {
				sbx, err := p.Create(ctx, cfg)
				require.NoError(t, err)
				assert.NotEmpty(t, sbx.ID)
				assert.Equal(t, model.SandboxStatusRunning, sbx.Status)
				assert.Equal(t, 1, p.Creations())

				status, err := p.Status(ctx, sbx.ID)
				require.NoError(t, err)
				assert.Equal(t, model.SandboxStatusRunning, status)
			},
		},

		"Creating a sandbox without work dir should fail.": {
			actions: func(ctx context.Context, t *testing.T, p *fake.Provider) {
				_, err := p.Create(ctx, model.SandboxConfig{TopicID: "topic-1"})
				assert.ErrorIs(t, err, model.ErrNotValid)
				assert.Equal(t, 0, p.Creations())
			},
		},

		"A missing sandbox should be reported as not found status.": {
			actions: func(ctx context.Context, t *testing.T, p *fake.Provider) {
				status, err := p.Status(ctx, "missing")
				require.NoError(t, err)
				assert.Equal(t, model.SandboxStatusNotFound, status)
			},
		},

		"The workspace should be ready after the configured calls.": {
			actions: func(ctx context.Context, t *testing.T, p *fake.Provider) {
				sbx, err := p.Create(ctx, cfg)
				require.NoError(t, err)

				ws, err := p.WorkspaceStatus(ctx, sbx.ID)
				require.NoError(t, err)
				assert.Equal(t, model.WorkspaceStatusInitializing, ws)
				ws, err = p.WorkspaceStatus(ctx, sbx.ID)
				require.NoError(t, err)
				assert.Equal(t, model.WorkspaceStatusReady, ws)
			},
		},

		"An exited sandbox should report exited.": {
			actions: func(ctx context.Context, t *testing.T, p *fake.Provider) {
				p.Register("sbx-1", model.SandboxStatusRunning)
				p.Exit("sbx-1")

				status, err := p.Status(ctx, "sbx-1")
				require.NoError(t, err)
				assert.Equal(t, model.SandboxStatusExited, status)

				endpoint, err := p.Endpoint(ctx, "sbx-1")
				require.NoError(t, err)
				assert.Equal(t, "http://sbx-1.sandbox.invalid", endpoint)
			},
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			p, err := fake.NewProvider(fake.ProviderConfig{ReadyAfter: 1, Logger: log.Noop})
			require.NoError(t, err)

			test.actions(context.Background(), t, p)
		})
	}
}
