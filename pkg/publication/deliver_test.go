package publication

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/robopost/platform/pkg/common/faults"
	"github.com/robopost/platform/pkg/content"
)

func TestParseTarget(t *testing.T) {
	tests := []struct {
		name     string
		platform content.Platform
		creds    map[string]interface{}
		want     Target
		wantErr  error
	}{
		{
			name:     "telegram with numeric channel",
			platform: content.PlatformTelegram,
			creds:    map[string]interface{}{"bot_token": "abc", "channel_id": float64(-1001)},
			want:     TelegramTarget{BotToken: "abc", ChannelID: "-1001"},
		},
		{
			name:     "telegram missing channel",
			platform: content.PlatformTelegram,
			creds:    map[string]interface{}{"bot_token": "abc"},
			wantErr:  ErrBadCredentials,
		},
		{
			name:     "wordpress application password",
			platform: content.PlatformWordPress,
			creds:    map[string]interface{}{"site_url": "https://wp.example/", "username": "u", "application_password": "p"},
			want:     WordPressTarget{SiteURL: "https://wp.example", Username: "u", ApplicationPassword: "p"},
		},
		{
			name:     "wordpress oauth without token url",
			platform: content.PlatformWordPress,
			creds:    map[string]interface{}{"site_url": "https://wp.example", "client_id": "id", "client_secret": "s"},
			wantErr:  ErrBadCredentials,
		},
		{
			name:     "instagram has no delivery",
			platform: content.PlatformInstagram,
			creds:    map[string]interface{}{},
			wantErr:  ErrUnsupportedPlatform,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTarget(tt.platform, tt.creds)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("expected %+v, got %+v", tt.want, got)
			}
		})
	}
}

func TestDeliverRejectsUnknownTarget(t *testing.T) {
	d := NewPlatformDeliverer(http.DefaultClient)
	_, err := d.Deliver(context.Background(), nil, Post{})
	if !faults.IsPermanent(err) || !errors.Is(err, ErrUnsupportedPlatform) {
		t.Fatalf("expected permanent unsupported platform, got %v", err)
	}
}

func TestRenderTelegramEscapes(t *testing.T) {
	got := RenderTelegram(Post{Title: "A & B", Body: "<script>", URL: "https://example.com/?a=1&b=2"})
	want := "<b>A &amp; B</b>\n\n&lt;script&gt;\n\n<a href=\"https://example.com/?a=1&amp;b=2\">Original link</a>"
	if got != want {
		t.Fatalf("unexpected rendering:\n%s", got)
	}
}

func TestTelegramSenderPostsMessage(t *testing.T) {
	var sent map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/bottoken/sendMessage" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &sent)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"ok":true,"result":{"message_id":42,"chat":{"id":-100,"type":"channel"},"date":0}}`)
	}))
	defer server.Close()

	sender := NewTelegramSender(server.Client())
	sender.apiURL = server.URL

	id, err := sender.Send(context.Background(), TelegramTarget{BotToken: "token", ChannelID: "@news"}, Post{Title: "T", Body: "B", URL: "https://example.com"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if id != "42" {
		t.Fatalf("expected message id 42, got %q", id)
	}
	if sent["chat_id"] != "@news" || sent["parse_mode"] != "HTML" {
		t.Fatalf("unexpected request %v", sent)
	}
}

func TestTelegramSenderClassifiesRejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`)
	}))
	defer server.Close()

	sender := NewTelegramSender(server.Client())
	sender.apiURL = server.URL

	_, err := sender.Send(context.Background(), TelegramTarget{BotToken: "token", ChannelID: "@gone"}, Post{Title: "T"})
	if !faults.IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestWordPressCreatePost(t *testing.T) {
	var got wordPressPost
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != wordPressPostsPath {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "editor" || pass != "app pass" {
			t.Errorf("unexpected credentials %q %q", user, pass)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"id":321,"link":"https://wp.example/?p=321"}`)
	}))
	defer server.Close()

	client := NewWordPressClient(server.Client())
	target := WordPressTarget{SiteURL: server.URL, Username: "editor", ApplicationPassword: "app pass"}
	id, err := client.CreatePost(context.Background(), target, Post{Title: "Hello", Body: "one\n\ntwo", URL: "https://example.com/a"})
	if err != nil {
		t.Fatalf("create post: %v", err)
	}
	if id != "321" {
		t.Fatalf("expected id 321, got %q", id)
	}
	if got.Title != "Hello" || got.Status != "publish" {
		t.Fatalf("unexpected post %+v", got)
	}
	if !strings.Contains(got.Content, "<p>one</p>\n<p>two</p>") || !strings.Contains(got.Content, "https://example.com/a") {
		t.Fatalf("unexpected content %q", got.Content)
	}
}

func TestWordPressUsesClientCredentials(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"access_token":"tok","token_type":"Bearer","expires_in":3600}`)
	})
	mux.HandleFunc(wordPressPostsPath, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("unexpected authorization %q", r.Header.Get("Authorization"))
		}
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"id":7}`)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := NewWordPressClient(server.Client())
	target := WordPressTarget{SiteURL: server.URL, ClientID: "id", ClientSecret: "secret", TokenURL: server.URL + "/oauth/token"}
	id, err := client.CreatePost(context.Background(), target, Post{Title: "T", Body: "B"})
	if err != nil {
		t.Fatalf("create post: %v", err)
	}
	if id != "7" {
		t.Fatalf("expected id 7, got %q", id)
	}
}

func TestWordPressErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		header    string
		permanent bool
	}{
		{name: "server error", status: http.StatusInternalServerError},
		{name: "throttled", status: http.StatusTooManyRequests, header: "5"},
		{name: "bad credentials", status: http.StatusUnauthorized, permanent: true},
		{name: "bad request", status: http.StatusBadRequest, permanent: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.header != "" {
					w.Header().Set("Retry-After", tt.header)
				}
				w.WriteHeader(tt.status)
				io.WriteString(w, `{"code":"error"}`)
			}))
			defer server.Close()

			client := NewWordPressClient(server.Client())
			_, err := client.CreatePost(context.Background(), WordPressTarget{SiteURL: server.URL, Username: "u", ApplicationPassword: "p"}, Post{Title: "T"})
			if err == nil {
				t.Fatal("expected error")
			}
			if faults.IsPermanent(err) != tt.permanent {
				t.Fatalf("permanent=%v, got %v", tt.permanent, err)
			}
			if tt.header != "" {
				if hint, ok := faults.RetryAfterHint(err); !ok || hint != 5*time.Second {
					t.Fatalf("expected 5s retry-after hint, got %v %v", hint, ok)
				}
			}
		})
	}
}
