// Package client wires the configured topics to a stream registry and logs
// what arrives on them.
package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"livefeed/internal/backoff"
	"livefeed/internal/config"
	"livefeed/internal/connection"
	"livefeed/internal/dispatch"
	"livefeed/internal/event"
	"livefeed/internal/filter"
	"livefeed/internal/stream"
	"livefeed/internal/transport"
)

// Client represents the running stream client
type Client struct {
	cfg      *config.Config
	registry *stream.Registry
	filters  *filter.Chain
	sink     dispatch.Handler
	logger   zerolog.Logger

	mu     sync.Mutex
	unsubs []func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new Client. sink receives every delivered event; nil logs them.
func New(cfg *config.Config, sink dispatch.Handler, logger zerolog.Logger) (*Client, error) {
	c := &Client{
		cfg:    cfg,
		sink:   sink,
		logger: logger,
	}
	if c.sink == nil {
		c.sink = c.logEvent
	}

	var filterOpt dispatch.Filter
	if cfg.IsFiltersEnabled() {
		chain := filter.NewChain(logger)
		chain.SetTimeout(cfg.GetFilterTimeoutDuration())

		if err := chain.LoadFromDirectory(cfg.GetFilterDirectory()); err != nil {
			return nil, fmt.Errorf("failed to load filters: %w", err)
		}

		if chain.Len() > 0 {
			logger.Info().
				Int("filters", chain.Len()).
				Str("directory", cfg.GetFilterDirectory()).
				Msg("filters enabled")
		} else {
			logger.Info().
				Str("directory", cfg.GetFilterDirectory()).
				Msg("filters enabled but no filters loaded")
		}
		c.filters = chain
		filterOpt = chain
	} else {
		logger.Info().Msg("filters disabled")
	}

	policy := backoff.Policy{
		Base:        cfg.GetReconnectBaseDuration(),
		Cap:         cfg.GetReconnectCapDuration(),
		Jitter:      cfg.ReconnectJitter,
		MaxAttempts: cfg.ReconnectMaxAttempts,
		Seed:        time.Now().UnixNano(),
	}

	c.registry = stream.NewRegistry(stream.Options{
		Host:              cfg.Host,
		Secure:            cfg.Secure,
		Root:              cfg.StreamRoot,
		Dialer:            transport.NewWebsocketDialer(cfg.GetHandshakeTimeoutDuration(), cfg.GetMessageTimeoutDuration(), logger),
		Policy:            policy,
		KeepaliveInterval: cfg.GetKeepaliveIntervalDuration(),
		DialTimeout:       cfg.GetHandshakeTimeoutDuration(),
		Backlog:           cfg.Backlogs(),
		DedupSize:         cfg.DedupCacheSize,
		Filter:            filterOpt,
		OnStateChange:     c.logStateChange,
	}, logger)

	return c, nil
}

// Registry returns the stream registry
func (c *Client) Registry() *stream.Registry {
	return c.registry
}

// Start subscribes every configured topic
func (c *Client) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ctx != nil {
		return fmt.Errorf("client already started")
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	for _, t := range c.cfg.Topics {
		kinds := make([]event.Kind, 0, len(t.Kinds))
		for _, k := range t.Kinds {
			kinds = append(kinds, event.Kind(k))
		}

		unsub, err := c.registry.Subscribe(t.Name, c.sink, kinds...)
		if err != nil {
			c.abortStartLocked()
			return fmt.Errorf("failed to subscribe to topic '%s': %w", t.Name, err)
		}
		c.unsubs = append(c.unsubs, unsub)

		c.logger.Info().
			Str("topic", t.Name).
			Int("backlog", t.Backlog).
			Strs("kinds", t.Kinds).
			Msg("subscribed")
	}

	if interval := c.cfg.GetStatusLogIntervalDuration(); interval > 0 {
		c.wg.Add(1)
		go c.logStatus(interval)
	}

	return nil
}

// abortStartLocked undoes a partial Start so it can be retried
func (c *Client) abortStartLocked() {
	for _, unsub := range c.unsubs {
		unsub()
	}
	c.unsubs = nil
	c.cancel()
	c.ctx, c.cancel = nil, nil
}

// Stop unsubscribes every topic and closes the registry
func (c *Client) Stop(ctx context.Context) error {
	c.logger.Info().Msg("shutting down client...")

	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	unsubs := c.unsubs
	c.unsubs = nil
	c.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	c.registry.Close()

	if c.filters != nil {
		c.filters.Close()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("status logger did not stop: %w", ctx.Err())
	}

	c.logger.Info().Msg("client stopped")
	return nil
}

// logStatus periodically logs the status of every topic stream
func (c *Client) logStatus(interval time.Duration) {
	defer c.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.logCurrentStatus()
		}
	}
}

// logCurrentStatus logs the current status of every topic stream
func (c *Client) logCurrentStatus() {
	var open, down []string
	for _, st := range c.registry.Stats() {
		status := fmt.Sprintf("%s(subs=%d,delivered=%d)", st.Topic, st.Subscribers, st.Dispatch.Delivered)
		if st.Connection.State == connection.Open {
			open = append(open, status)
		} else {
			down = append(down, fmt.Sprintf("%s[%s attempt=%d]", status, st.Connection.State, st.Connection.Attempt))
		}
	}

	ev := c.logger.Info().
		Strs("open", open).
		Strs("down", down)
	if c.filters != nil {
		fs := c.filters.Stats()
		ev = ev.Int64("filtered", fs.Rejected).Int64("filterFailures", fs.Failed)
	}
	ev.Msg("streams status")
}

func (c *Client) logStateChange(sc connection.StateChange) {
	switch sc.To {
	case connection.Reconnecting:
		c.logger.Warn().
			Str("topic", sc.Topic).
			Int("attempt", sc.Attempt).
			Dur("delay", sc.Delay).
			Err(sc.Err).
			Msg("stream reconnecting")
	case connection.Closed:
		if sc.Err != nil {
			c.logger.Error().Str("topic", sc.Topic).Err(sc.Err).Msg("stream closed")
		}
	default:
		c.logger.Debug().
			Str("topic", sc.Topic).
			Str("from", sc.From.String()).
			Str("to", sc.To.String()).
			Msg("stream state changed")
	}
}

// logEvent logs a delivered event with the fields of its typed payload
func (c *Client) logEvent(ev event.Event) {
	log := c.logger.Info().
		Str("topic", ev.Topic).
		Str("kind", string(ev.Kind)).
		Time("timestamp", ev.Timestamp)

	payload, err := ev.Payload()
	if err != nil {
		log.Err(err).Str("data", string(ev.Data)).Msg("event")
		return
	}

	switch p := payload.(type) {
	case event.FlagPayload:
		log.Str("id", p.ID).
			Str("network", p.Network).
			Str("address", p.Address).
			Str("category", p.Category).
			Int("confirmations", p.Confirmations).
			Msg("flag")
	case event.StatsPayload:
		log.Str("network", p.Network).
			Int64("totalFlags", p.TotalFlags).
			Int64("confirmedFlags", p.ConfirmedFlags).
			Int("activeReporters", p.ActiveReporters).
			Msg("stats")
	case event.TransactionPayload:
		log.Str("hash", p.Hash).
			Str("case", p.CaseSlug).
			Str("amount", p.Amount).
			Str("asset", p.Asset).
			Int("confirmations", p.Confirmations).
			Msg("transaction")
	case event.AlertPayload:
		log.Str("id", p.ID).
			Str("case", p.CaseSlug).
			Str("severity", p.Severity).
			Str("message", p.Message).
			Msg("alert")
	default:
		log.Msg("event")
	}
}
