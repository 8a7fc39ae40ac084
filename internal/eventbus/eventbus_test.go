package eventbus

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/renderhub/dispatch/internal/config"
)

func TestNewDisabledReturnsNilPublisher(t *testing.T) {
	cfg := &config.Config{}
	cfg.EventBus.Enabled = false

	p, err := New(cfg, nil)
	require.NoError(t, err)
	require.Nil(t, p)
}

func TestNilPublisherMethodsAreNoops(t *testing.T) {
	var p *Publisher
	require.NotPanics(t, func() {
		p.PublishTerminal(TerminalEvent{JobID: "job-1", Status: "COMPLETED"})
		p.Close()
	})
}
