package feedsync

import (
	"context"
	"errors"
	"log"
	"time"
)

// StartPolling polls the active feed every PollInterval until the feed is
// switched, Stop is called or ctx ends. notify receives each non-empty
// result on the polling goroutine, so it must not call Switch or Stop
// directly. Calling StartPolling again replaces the running loop.
func (c *Coordinator) StartPolling(ctx context.Context, notify func(NewPosts)) error {
	sess, err := c.current()
	if err != nil {
		return err
	}
	c.stopPolling(sess)

	pctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.mu.Lock()
	sess.stopPoll = cancel
	sess.pollDone = done
	c.mu.Unlock()

	go c.pollLoop(pctx, sess, notify, done)
	log.Printf("feedsync: polling %s every %s", sess.key, c.opts.PollInterval)
	return nil
}

func (c *Coordinator) pollLoop(ctx context.Context, sess *session, notify func(NewPosts), done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := c.poll(ctx, sess)
			switch {
			case errors.Is(err, ErrFeedChanged):
				return
			case err != nil:
				if ctx.Err() != nil {
					return
				}
				log.Printf("feedsync: poll %s: %v", sess.key, err)
			case len(res.Posts) > 0:
				log.Printf("feedsync: %d new posts in %s", len(res.Posts), sess.key)
				if notify != nil {
					notify(res)
				}
			}
		}
	}
}

// Stop halts polling and deactivates the current feed. Requests already in
// flight finish, but their results are discarded.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	sess := c.active
	c.active = nil
	c.mu.Unlock()

	if sess != nil {
		c.stopPolling(sess)
	}
}

// stopPolling cancels sess's poll loop and waits for it to exit.
func (c *Coordinator) stopPolling(sess *session) {
	c.mu.Lock()
	cancel, done := sess.stopPoll, sess.pollDone
	sess.stopPoll, sess.pollDone = nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	log.Printf("feedsync: stopped polling %s", sess.key)
}
