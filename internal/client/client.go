// Package client assembles the session and synchronization core from
// configuration.
package client

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/roomchat/internal/backoff"
	"github.com/zhouzirui/roomchat/internal/config"
	"github.com/zhouzirui/roomchat/internal/metrics"
	sessionModel "github.com/zhouzirui/roomchat/internal/model/session"
	"github.com/zhouzirui/roomchat/internal/service/api"
	"github.com/zhouzirui/roomchat/internal/service/channel"
	"github.com/zhouzirui/roomchat/internal/service/credential"
	"github.com/zhouzirui/roomchat/internal/service/history"
	"github.com/zhouzirui/roomchat/internal/service/msgsync"
	"github.com/zhouzirui/roomchat/internal/service/rooms"
	"github.com/zhouzirui/roomchat/internal/service/session"
)

// Options customise New. Zero values fall back to the on-disk token store,
// the default HTTP transport and an unregistered metrics set.
type Options struct {
	Persister  credential.Persister
	Transport  http.RoundTripper
	Registerer prometheus.Registerer
}

// Client is the wired core: credential store, REST client, session manager,
// room service and message synchronizer.
type Client struct {
	Credentials *credential.Store
	API         *api.Client
	Session     *session.Manager
	Rooms       *rooms.Service
	Sync        *msgsync.Synchronizer
	Metrics     *metrics.Metrics

	pebble *credential.PebbleStore
}

// New builds a Client from cfg.
func New(cfg config.ClientConfig, opts Options) (*Client, error) {
	m := metrics.Discard()
	if opts.Registerer != nil {
		m = metrics.New(opts.Registerer)
	}

	c := &Client{Metrics: m}

	persister := opts.Persister
	if persister == nil {
		store, err := credential.OpenPebbleStore(cfg.StateDir, nil)
		if err != nil {
			return nil, err
		}
		c.pebble = store
		persister = store
	}
	c.Credentials = credential.NewStore(persister)

	apiOpts := []api.Option{api.WithTimeout(cfg.HTTPTimeout)}
	if opts.Transport != nil {
		apiOpts = append(apiOpts, api.WithTransport(opts.Transport))
	}
	apiClient, err := api.New(cfg.APIURL, c.Credentials, apiOpts...)
	if err != nil {
		c.closeStore()
		return nil, err
	}
	c.API = apiClient

	c.Session = session.NewManager(apiClient, c.Credentials, m)
	apiClient.OnUnauthorized(c.Session.Expire)

	dialer, err := channel.NewWSDialer(cfg.WSURL, c.Credentials, channel.DefaultWSOptions())
	if err != nil {
		c.closeStore()
		return nil, err
	}
	policy := backoff.Default()
	policy.Initial = cfg.ReconnectInitial
	policy.Max = cfg.ReconnectMax
	chOpts := channel.Options{
		Policy:     policy,
		MaxRetries: cfg.ReconnectMaxRetries,
		Buffer:     channel.DefaultOptions().Buffer,
		Metrics:    m,
	}
	opener := func(ctx context.Context, room string) msgsync.LiveChannel {
		return channel.Open(ctx, room, dialer, chOpts)
	}

	fetcher := history.NewFetcher(apiClient,
		history.WithRetry(cfg.HistoryRetries, history.DefaultPolicy()),
		history.WithMetrics(m),
	)

	syncOpts := msgsync.DefaultOptions()
	syncOpts.ConfirmTimeout = cfg.ConfirmTimeout
	syncOpts.Metrics = m
	c.Sync = msgsync.New(fetcher, apiClient, opener, c.identity, syncOpts)

	c.Session.OnLogout(c.Sync.DeactivateAll)
	c.Rooms = rooms.NewService(apiClient, c.Sync)

	return c, nil
}

// Start restores a persisted session, if any.
func (c *Client) Start() (bool, error) {
	return c.Session.Restore()
}

// Close deactivates every room, waits for background revocation and closes
// the token store.
func (c *Client) Close() error {
	c.Sync.DeactivateAll()
	c.Session.Wait()
	return c.closeStore()
}

func (c *Client) identity() sessionModel.User {
	return c.Session.User()
}

func (c *Client) closeStore() error {
	if c.pebble == nil {
		return nil
	}
	err := c.pebble.Close()
	c.pebble = nil
	if err != nil {
		log.Warn().Err(err).Msg("[client] closing token store")
		return err
	}
	return nil
}
