package client

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"

	"github.com/iliyamo/rundown-sync/internal/model"
)

// Listen streams notifications of the syncer's rundown from wsURL until
// ctx is done.  Every (re)connect is followed by a catch-up so nothing
// published while disconnected is missed.  Hard failures (not found,
// forbidden) end the loop.
func (s *Syncer) Listen(ctx context.Context, wsURL string) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	for {
		err := s.listenOnce(ctx, wsURL, b)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.mu.Lock()
		stopped := s.stopped
		s.mu.Unlock()
		if stopped != nil {
			return stopped
		}
		wait := b.NextBackOff()
		log.Printf("sync: websocket %s: %v; reconnecting in %s", s.rundownID, err, wait)
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (s *Syncer) listenOnce(ctx context.Context, wsURL string, b backoff.BackOff) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	b.Reset()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := s.CatchUp(ctx); err != nil {
		return err
	}
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var n model.Notification
		if err := json.Unmarshal(msg, &n); err != nil {
			log.Printf("sync: bad notification: %v", err)
			continue
		}
		if err := s.HandleNotification(ctx, n); err != nil {
			return err
		}
	}
}
