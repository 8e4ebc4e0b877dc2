package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"bpmncollab/internal/models"
)

var configEnv = []string{
	"CONFIG_FILE", "PORT", "WS_PATH", "REDIS_ADDR", "PRESENCE_CHANNEL",
	"SEND_QUEUE_SIZE", "MAX_MESSAGE_BYTES", "CORS_ALLOWED_ORIGINS",
	"INITIAL_DOCUMENT_FILE", "STRICT_ELEMENT_LOCKS",
	"RELEASE_ELEMENT_LOCKS_ON_DISCONNECT", "LOG_LEVEL",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range configEnv {
		t.Setenv(key, "")
	}
}

func stubListen(t *testing.T, fn func(*http.Server) error) {
	t.Helper()
	origListen := listenAndServe
	origExit := exitFunc
	t.Cleanup(func() {
		listenAndServe = origListen
		exitFunc = origExit
	})
	listenAndServe = fn
}

func TestRunReturnsListenError(t *testing.T) {
	clearEnv(t)
	stubListen(t, func(srv *http.Server) error {
		if srv.Handler == nil {
			t.Fatalf("expected handler")
		}
		if srv.Addr != ":9090" {
			t.Fatalf("expected addr :9090, got %s", srv.Addr)
		}
		return errors.New("boom")
	})
	t.Setenv("PORT", "9090")

	if err := run(context.Background()); err == nil || err.Error() != "boom" {
		t.Fatalf("expected boom error, got %v", err)
	}
}

func TestRunUsesDefaults(t *testing.T) {
	clearEnv(t)
	stubListen(t, func(srv *http.Server) error {
		if srv.Addr != ":8001" {
			t.Fatalf("expected default port, got %s", srv.Addr)
		}
		return nil
	})

	if err := run(context.Background()); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	clearEnv(t)
	stubListen(t, func(*http.Server) error {
		t.Fatal("server must not start with invalid config")
		return nil
	})
	t.Setenv("SEND_QUEUE_SIZE", "lots")

	if err := run(context.Background()); err == nil || !strings.Contains(err.Error(), "load config") {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestRunMissingInitialDocument(t *testing.T) {
	clearEnv(t)
	stubListen(t, func(*http.Server) error { return nil })
	t.Setenv("INITIAL_DOCUMENT_FILE", filepath.Join(t.TempDir(), "missing.bpmn"))

	if err := run(context.Background()); err == nil {
		t.Fatalf("expected error for missing initial document")
	}
}

func TestRunServesInitialDocument(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "start.bpmn")
	if err := os.WriteFile(path, []byte("<definitions/>"), 0o644); err != nil {
		t.Fatalf("write document: %v", err)
	}
	t.Setenv("INITIAL_DOCUMENT_FILE", path)

	stubListen(t, func(srv *http.Server) error {
		ts := httptest.NewServer(srv.Handler)
		defer ts.Close()
		conn := dialWS(t, ts.URL+"/ws")
		defer conn.Close()

		for _, want := range []string{"client_id", "update"} {
			var f struct {
				Type string `json:"type"`
				XML  string `json:"xml"`
			}
			_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			if err := conn.ReadJSON(&f); err != nil {
				t.Fatalf("read frame: %v", err)
			}
			if f.Type != want {
				t.Fatalf("expected %s, got %s", want, f.Type)
			}
			if want == "update" && f.XML != "<definitions/>" {
				t.Fatalf("expected configured document, got %q", f.XML)
			}
		}
		return nil
	})

	if err := run(context.Background()); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}

func TestRunPublishesPresence(t *testing.T) {
	clearEnv(t)
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	t.Setenv("REDIS_ADDR", mr.Addr())

	observer := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = observer.Close() })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := observer.Subscribe(ctx, "collab:presence")
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	stubListen(t, func(srv *http.Server) error {
		ts := httptest.NewServer(srv.Handler)
		defer ts.Close()
		conn := dialWS(t, ts.URL+"/ws")
		defer conn.Close()

		select {
		case msg := <-sub.Channel():
			var ev models.PresenceEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				t.Fatalf("decode event: %v", err)
			}
			if ev.Type != models.PresenceJoined || ev.Clients != 1 {
				t.Fatalf("unexpected event %#v", ev)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for presence event")
		}
		return nil
	})

	if err := run(context.Background()); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}

func TestRunStartsWithoutRedis(t *testing.T) {
	clearEnv(t)
	t.Setenv("REDIS_ADDR", "127.0.0.1:1")
	stubListen(t, func(*http.Server) error { return nil })

	if err := run(context.Background()); err != nil {
		t.Fatalf("unreachable redis must not stop the service, got %v", err)
	}
}

func TestRunShutsDownOnCancel(t *testing.T) {
	clearEnv(t)
	started := make(chan struct{})
	stubListen(t, func(srv *http.Server) error {
		stopped := make(chan struct{})
		srv.RegisterOnShutdown(func() { close(stopped) })
		close(started)
		<-stopped
		return http.ErrServerClosed
	})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- run(ctx) }()

	<-started
	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not return after cancel")
	}
}

func TestMainCompletes(t *testing.T) {
	clearEnv(t)
	stubListen(t, func(*http.Server) error { return nil })
	exitFunc = func(error) { t.Fatal("exitFunc should not be called") }
	t.Setenv("PORT", "9091")

	main()
}

func TestMainHandlesError(t *testing.T) {
	clearEnv(t)
	stubListen(t, func(*http.Server) error { return errors.New("main boom") })
	var got error
	exitFunc = func(err error) { got = err }
	t.Setenv("PORT", "9092")

	main()

	if got == nil || got.Error() != "main boom" {
		t.Fatalf("expected exitFunc to capture error, got %v", got)
	}
}

func TestDefaultExit(t *testing.T) {
	origExit := exit
	origWriter := log.Writer()
	t.Cleanup(func() {
		exit = origExit
		log.SetOutput(origWriter)
	})

	var gotCode int
	exit = func(code int) { gotCode = code }
	var buf bytes.Buffer
	log.SetOutput(&buf)

	defaultExit(errors.New("boom"))
	if gotCode != 1 {
		t.Fatalf("expected exit code 1, got %d", gotCode)
	}
	if !bytes.Contains(buf.Bytes(), []byte("boom")) {
		t.Fatalf("expected log to contain boom, got %q", buf.String())
	}
}

func dialWS(t *testing.T, httpURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(httpURL, "http"), nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	return conn
}
