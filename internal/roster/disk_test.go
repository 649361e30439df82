package roster

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	logx "bdaybot/pkg/logx"
)

func TestCheckToken(t *testing.T) {
	t.Parallel()
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		switch gotAuth {
		case "OAuth good":
			w.WriteHeader(http.StatusOK)
		case "OAuth bad":
			w.WriteHeader(http.StatusUnauthorized)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	d := NewDisk(DiskConfig{Token: "good", APIBase: srv.URL}, logx.Nop())
	ok, err := d.CheckToken(context.Background())
	if err != nil || !ok {
		t.Fatalf("valid token: ok=%v err=%v", ok, err)
	}
	if gotAuth != "OAuth good" {
		t.Fatalf("auth header = %q", gotAuth)
	}

	d.SetToken("bad")
	ok, err = d.CheckToken(context.Background())
	if err != nil {
		t.Fatalf("rejected token should not error: %v", err)
	}
	if ok {
		t.Fatal("rejected token reported valid")
	}

	d.SetToken("weird")
	if _, err = d.CheckToken(context.Background()); err == nil {
		t.Fatal("server error should surface as error")
	}
}

func TestDownload(t *testing.T) {
	t.Parallel()
	const content = "xlsx bytes"
	var srvURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/resources/download"):
			if r.URL.Query().Get("path") != "disk:/b_day/b_days.xlsx" {
				t.Errorf("unexpected path param %q", r.URL.Query().Get("path"))
			}
			_ = json.NewEncoder(w).Encode(map[string]string{"href": srvURL + "/file"})
		case r.URL.Path == "/file":
			_, _ = w.Write([]byte(content))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()
	srvURL = srv.URL

	d := NewDisk(DiskConfig{Token: "t", APIBase: srv.URL}, logx.Nop())
	dst := filepath.Join(t.TempDir(), "sub", "roster.xlsx")
	if err := d.Download(context.Background(), "disk:/b_day/b_days.xlsx", dst); err != nil {
		t.Fatalf("Download: %v", err)
	}
	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if string(got) != content {
		t.Fatalf("snapshot = %q", got)
	}
}

func TestDownloadKeepsStaleSnapshot(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	dst := filepath.Join(t.TempDir(), "roster.xlsx")
	if err := os.WriteFile(dst, []byte("previous"), 0o644); err != nil {
		t.Fatalf("seed snapshot: %v", err)
	}

	d := NewDisk(DiskConfig{Token: "t", APIBase: srv.URL}, logx.Nop())
	err := d.Download(context.Background(), "disk:/x.xlsx", dst)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
	got, _ := os.ReadFile(dst)
	if string(got) != "previous" {
		t.Fatalf("failed download clobbered snapshot: %q", got)
	}
}

func TestExchangeCode(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/token" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.PostForm.Get("grant_type") != "authorization_code" {
			t.Errorf("grant_type = %q", r.PostForm.Get("grant_type"))
		}
		switch r.PostForm.Get("code") {
		case "valid":
			_ = json.NewEncoder(w).Encode(map[string]string{"access_token": "fresh-token"})
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	d := NewDisk(DiskConfig{AppID: "app", AppSecret: "secret", OAuthBase: srv.URL}, logx.Nop())

	token, err := d.ExchangeCode(context.Background(), "valid")
	if err != nil {
		t.Fatalf("ExchangeCode: %v", err)
	}
	if token != "fresh-token" {
		t.Fatalf("token = %q", token)
	}

	if _, err := d.ExchangeCode(context.Background(), "nope"); !errors.Is(err, ErrBadCode) {
		t.Fatalf("err = %v, want ErrBadCode", err)
	}
}

func TestCodeURL(t *testing.T) {
	t.Parallel()
	d := NewDisk(DiskConfig{AppID: "my app"}, logx.Nop())
	url := d.CodeURL()
	if !strings.Contains(url, "response_type=code") || !strings.Contains(url, "client_id=my+app") {
		t.Fatalf("CodeURL = %q", url)
	}
}
