package client

import "github.com/nooterra/nooterra/pkg/parity"

// NewHTTPParityAdapter returns an adapter that dispatches over this client.
// The client's logger and tracker are used unless cfg sets its own.
func (c *Client) NewHTTPParityAdapter(cfg parity.Config) (*parity.Adapter, error) {
	return parity.NewHTTPAdapter(c, c.adapterConfig(cfg))
}

// NewMCPParityAdapter returns an adapter that dispatches through call.
func (c *Client) NewMCPParityAdapter(call parity.CallToolFunc, cfg parity.Config) (*parity.Adapter, error) {
	return parity.NewMCPAdapter(call, c.adapterConfig(cfg))
}

func (c *Client) adapterConfig(cfg parity.Config) parity.Config {
	if cfg.Logger == nil {
		cfg.Logger = c.logger.With("subsystem", "parity")
	}
	if cfg.Tracker == nil {
		cfg.Tracker = c.tracker
	}
	return cfg
}
