// internal/browser/session_test.go
package browser

import (
	"bytes"
	"context"
	"fmt"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"testing"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/suture/api/schemas"
	"github.com/xkilldash9x/suture/internal/config"
)

const testTimeout = 45 * time.Second

const fixturePage = `<html><body>
<button data-testid="add-to-cart" onclick="document.getElementById('out').textContent='added'">Add to cart</button>
<a href="#" id="account">My account</a>
<button>Continue Shopping</button>
<input id="q" name="q" aria-label="Search" />
<select id="size"><option value="s">Small</option><option value="m">Medium</option></select>
<button disabled>Sold out</button>
<div style="display:none"><button>Ghost</button></div>
<div id="out"></div>
</body></html>`

// testFixture holds a running browser and one page on the fixture document.
type testFixture struct {
	Manager *Manager
	Session *Session
	Server  *httptest.Server
}

// newTestFixture starts Chrome, serves the fixture page and opens it.
func newTestFixture(t *testing.T) *testFixture {
	t.Helper()
	if testing.Short() {
		t.Skip("browser integration test skipped in short mode")
	}
	if !chromeInstalled() {
		t.Skip("Chrome/Chromium not found")
	}

	logger := zaptest.NewLogger(t)
	cfg := config.BrowserConfig{Headless: true, ViewportWidth: 1024, ViewportHeight: 768}

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)

	mgr, err := NewManager(ctx, cfg, logger)
	require.NoError(t, err, "Failed to initialize Browser Manager")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, fixturePage)
	}))

	page, err := mgr.NewPage(ctx)
	require.NoError(t, err)
	session := page.(*Session)

	t.Cleanup(func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer closeCancel()
		_ = session.Close(closeCtx)
		_ = mgr.Shutdown(closeCtx)
		server.Close()
	})

	require.NoError(t, session.Navigate(ctx, server.URL))
	return &testFixture{Manager: mgr, Session: session, Server: server}
}

func chromeInstalled() bool {
	for _, name := range []string{"google-chrome", "google-chrome-stable", "chromium", "chromium-browser", "headless-shell"} {
		if _, err := exec.LookPath(name); err == nil {
			return true
		}
	}
	return false
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)
	return ctx
}

func TestSession(t *testing.T) {
	f := newTestFixture(t)
	s := f.Session

	t.Run("Query", func(t *testing.T) {
		tests := []struct {
			name  string
			d     schemas.ElementDescriptor
			count int
			tag   string
		}{
			{"test id", schemas.ByTestID("add-to-cart"), 1, "button"},
			{"role and name", schemas.ByRole("button", "continue shopping"), 1, "button"},
			{"implicit link role", schemas.ByRole("link", "My account"), 1, "a"},
			{"exact text", schemas.ByText("Add to cart"), 1, "button"},
			{"has-text", schemas.BySelector("button:has-text('continue')", false), 1, "button"},
			{"xpath", schemas.BySelector("//select[@id='size']", true), 1, "select"},
			{"all buttons", schemas.BySelector("button", false), 3, "button"},
			{"hidden is not a match", schemas.ByText("Ghost"), 0, ""},
			{"free text", schemas.FreeText("Search"), 1, "input"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				refs, err := s.Query(testCtx(t), tt.d)
				require.NoError(t, err)
				require.Len(t, refs, tt.count)
				if tt.count > 0 {
					assert.Equal(t, tt.tag, refs[0].Tag)
					assert.NotEmpty(t, refs[0].Selector)
				}
			})
		}
	})

	t.Run("InvalidSelector", func(t *testing.T) {
		_, err := s.Query(testCtx(t), schemas.BySelector("button[", false))
		assert.ErrorIs(t, err, schemas.ErrInvalidSelector)
	})

	t.Run("Click", func(t *testing.T) {
		ctx := testCtx(t)
		refs, err := s.Query(ctx, schemas.ByTestID("add-to-cart"))
		require.NoError(t, err)
		require.Len(t, refs, 1)

		require.NoError(t, s.Perform(ctx, refs[0], schemas.ActionClick, ""))

		var text string
		require.NoError(t, s.run(ctx, chromedp.Text("#out", &text, chromedp.ByQuery)))
		assert.Equal(t, "added", text)
	})

	t.Run("Type", func(t *testing.T) {
		ctx := testCtx(t)
		refs, err := s.Query(ctx, schemas.BySelector("#q", false))
		require.NoError(t, err)
		require.Len(t, refs, 1)

		require.NoError(t, s.Perform(ctx, refs[0], schemas.ActionType, "boots"))
		require.NoError(t, s.Perform(ctx, refs[0], schemas.ActionType, "shoes"))

		var value string
		require.NoError(t, s.run(ctx, chromedp.Value("#q", &value, chromedp.ByQuery)))
		assert.Equal(t, "shoes", value, "type replaces the previous value")
	})

	t.Run("SelectByLabel", func(t *testing.T) {
		ctx := testCtx(t)
		refs, err := s.Query(ctx, schemas.BySelector("#size", false))
		require.NoError(t, err)
		require.Len(t, refs, 1)

		require.NoError(t, s.Perform(ctx, refs[0], schemas.ActionSelect, "Medium"))

		var value string
		require.NoError(t, s.run(ctx, chromedp.Value("#size", &value, chromedp.ByQuery)))
		assert.Equal(t, "m", value)
	})

	t.Run("DisabledElement", func(t *testing.T) {
		ctx := testCtx(t)
		refs, err := s.Query(ctx, schemas.ByText("Sold out"))
		require.NoError(t, err)
		require.Len(t, refs, 1)

		err = s.Perform(ctx, refs[0], schemas.ActionClick, "")
		require.Error(t, err)
		assert.NotErrorIs(t, err, schemas.ErrElementDetached)
	})

	t.Run("DetachedElement", func(t *testing.T) {
		ctx := testCtx(t)
		refs, err := s.Query(ctx, schemas.ByText("Continue Shopping"))
		require.NoError(t, err)
		require.Len(t, refs, 1)

		var ignored interface{}
		require.NoError(t, s.run(ctx, chromedp.Evaluate(
			`document.querySelectorAll('button').forEach(b => { if (b.textContent === 'Continue Shopping') b.remove(); })`, &ignored)))

		err = s.Perform(ctx, refs[0], schemas.ActionClick, "")
		assert.ErrorIs(t, err, schemas.ErrElementDetached)
	})

	t.Run("Candidates", func(t *testing.T) {
		cands, err := s.Candidates(testCtx(t), 20)
		require.NoError(t, err)
		require.NotEmpty(t, cands)

		selectors := map[string]bool{}
		for i, c := range cands {
			assert.Equal(t, i, c.Index)
			selectors[c.Selector] = true
		}
		assert.True(t, selectors[`[data-testid="add-to-cart"]`])
		assert.True(t, selectors["#account"])

		limited, err := s.Candidates(testCtx(t), 2)
		require.NoError(t, err)
		assert.Len(t, limited, 2)
	})

	t.Run("ScreenshotAndURL", func(t *testing.T) {
		ctx := testCtx(t)
		shot, err := s.Screenshot(ctx)
		require.NoError(t, err)
		img, err := png.Decode(bytes.NewReader(shot))
		require.NoError(t, err)
		assert.Equal(t, 1024, img.Bounds().Dx(), "screenshots are taken at a device scale of 1")

		loc, err := s.URL(ctx)
		require.NoError(t, err)
		assert.Contains(t, loc, f.Server.URL)
	})
}

func TestSession_ClosedPageIntegration(t *testing.T) {
	f := newTestFixture(t)
	ctx := testCtx(t)

	require.NoError(t, f.Session.Close(ctx))
	require.NoError(t, f.Session.Close(ctx), "Close is idempotent")

	_, err := f.Session.Query(ctx, schemas.ByTestID("add-to-cart"))
	assert.ErrorIs(t, err, schemas.ErrPageClosed)
	assert.ErrorIs(t, f.Session.Navigate(ctx, f.Server.URL), schemas.ErrPageClosed)
}
