package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/astromechza/flowsync/pkg/document"
	"github.com/astromechza/flowsync/pkg/wire"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	addrVar := flag.String("addr", "127.0.0.1:8080", "the address to request on")
	flowVar := flag.String("flow", "default", "the flow id to join")
	userVar := flag.String("user", fmt.Sprintf("user-%d", os.Getpid()), "the user identity to announce")
	editVar := flag.Bool("edit", true, "make random edits for demo purposes")
	attemptsVar := flag.Uint64("max-reconnects", 10, "reconnect attempts before giving up")
	flag.Parse()

	baseUrl, err := url.Parse("http://" + *addrVar)
	if err != nil {
		return err
	}

	c := &client{baseUrl: baseUrl, flow: *flowVar, user: *userVar, maxAttempts: *attemptsVar}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wg := new(sync.WaitGroup)

	errC := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		errC <- c.syncContinuously(ctx)
	}()

	if *editVar {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.editRandomlyContinuously(ctx)
		}()
	}

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-exit:
		slog.Info("Signal caught", "sig", sig)
		cancel()
	case err = <-errC:
		cancel()
	}
	wg.Wait()
	return err
}

type client struct {
	baseUrl     *url.URL
	flow        string
	user        string
	maxAttempts uint64

	mu  sync.Mutex
	doc *document.Document
}

// fetchSnapshot pulls the current full state over HTTP and merges it into the
// local document (establishing it on first call). Merging rather than
// replacing keeps edits made while disconnected.
func (c *client) fetchSnapshot(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseUrl.JoinPath("flows", c.flow, "snapshot").String(), nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to get snapshot: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read snapshot body: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.doc == nil {
		d, err := document.Load(raw)
		if err != nil {
			return fmt.Errorf("failed to load snapshot: %w", err)
		}
		c.doc = d
		slog.Info("established base doc", "heads", d.Heads())
		return nil
	}
	if err := c.doc.ApplyFragment("snapshot", raw); err != nil {
		return fmt.Errorf("failed to merge snapshot: %w", err)
	}
	return nil
}

// syncContinuously keeps one sync connection alive, reconnecting with capped
// exponential backoff. Every (re)connect starts from a fresh full snapshot,
// never a partial resume. After the bounded attempts are exhausted it gives
// up with an error.
func (c *client) syncContinuously(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0
	for ctx.Err() == nil {
		err := backoff.Retry(func() error {
			if err := c.connectAndSync(ctx, bo); err != nil {
				slog.Error("sync connection failed", "err", err)
				return err
			}
			return nil
		}, backoff.WithContext(backoff.WithMaxRetries(bo, c.maxAttempts), ctx))
		if err != nil && ctx.Err() == nil {
			return fmt.Errorf("giving up after %d reconnect attempts: %w", c.maxAttempts, err)
		}
	}
	return nil
}

func (c *client) connectAndSync(ctx context.Context, bo *backoff.ExponentialBackOff) error {
	if err := c.fetchSnapshot(ctx); err != nil {
		return err
	}

	u := c.baseUrl.JoinPath("flows", c.flow, "sync")
	u.Scheme = "ws"
	q := u.Query()
	q.Set("user", c.user)
	u.RawQuery = q.Encode()
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to dial: %w", err)
	}
	defer conn.Close()
	slog.Info("connected", "flow", c.flow)
	bo.Reset()

	// push the whole local state once: idempotent on the server and carries
	// anything composed while disconnected
	c.mu.Lock()
	full := c.doc.EncodeFullState()
	c.doc.EncodeDelta() // consume the cursor so the flusher does not resend
	c.mu.Unlock()
	if err := conn.WriteMessage(websocket.BinaryMessage, full); err != nil {
		return fmt.Errorf("failed to push state: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage,
		wire.EncodeAwarenessUpdate(wire.AwarenessState{Cursor: &document.Position{}})); err != nil {
		return fmt.Errorf("failed to announce presence: %w", err)
	}

	wgCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		// unblock the read loop when shutting down
		<-wgCtx.Done()
		_ = conn.Close()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		c.writeLoop(wgCtx, conn)
	}()

	defer func() {
		cancel()
		_ = conn.Close()
		wg.Wait()
	}()
	for {
		mt, p, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("failed to read message: %w", err)
		}
		switch mt {
		case websocket.BinaryMessage:
			c.mu.Lock()
			err := c.doc.ApplyFragment("remote", p)
			c.mu.Unlock()
			if err != nil {
				slog.Error("failed to apply fragment", "err", err)
			}
		case websocket.TextMessage:
			if msg, err := wire.Parse(p); err == nil && msg.Type == wire.TypeAwareness {
				slog.Info("awareness", "others", len(msg.Users))
			}
		}
	}
}

// writeLoop periodically flushes local edits, announces awareness, and sends
// heartbeats until the connection context ends.
func (c *client) writeLoop(ctx context.Context, conn *websocket.Conn) {
	flush := time.NewTicker(time.Second)
	defer flush.Stop()
	heartbeat := time.NewTicker(25 * time.Second)
	defer heartbeat.Stop()
	for {
		select {
		case <-flush.C:
			c.mu.Lock()
			delta := c.doc.EncodeDelta()
			c.mu.Unlock()
			if delta == nil {
				continue
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, delta); err != nil {
				slog.Error("failed to write fragment", "err", err)
				return
			}
		case <-heartbeat.C:
			if err := conn.WriteMessage(websocket.TextMessage, wire.EncodePing()); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// editRandomlyContinuously makes demo edits: create, move, retitle, and
// occasionally delete nodes.
func (c *client) editRandomlyContinuously(ctx context.Context) {
	for i := 0; ; i++ {
		t := time.NewTimer(time.Second + time.Second*time.Duration(rand.Intn(5)))
		select {
		case <-t.C:
			if err := c.randomEdit(i); err != nil {
				slog.Error("failed to edit", "err", err)
			}
		case <-ctx.Done():
			t.Stop()
			slog.Info("stopping scheduled edits")
			return
		}
	}
}

func (c *client) randomEdit(i int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.doc == nil {
		return nil
	}
	nodes, err := c.doc.Nodes()
	if err != nil {
		return err
	}
	pos := document.Position{X: float64(rand.Intn(800)), Y: float64(rand.Intn(600))}
	if len(nodes) == 0 || rand.Intn(4) == 0 {
		id := fmt.Sprintf("%s-n%d", c.user, i)
		return c.doc.PutNode(document.FlowNode{ID: id, Title: fmt.Sprintf("Task %d", i), Position: pos})
	}
	var id string
	for candidate := range nodes {
		id = candidate
		break
	}
	switch rand.Intn(5) {
	case 0:
		return c.doc.SetTitle(id, fmt.Sprintf("Task %d (edited by %s)", i, c.user))
	case 1:
		return c.doc.DeleteNode(id)
	default:
		return c.doc.MoveNode(id, pos)
	}
}
