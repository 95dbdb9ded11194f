package engine

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grovetools/prdflow/errors"
)

const samplePage = `<!DOCTYPE html>
<html>
<head><title>Release Notes</title><style>body { color: red; }</style></head>
<body>
<nav><a href="/">Home</a></nav>
<h2>Changes</h2>
<p>Streaming   is now   supported.</p>
<ul><li>faster sync</li><li>fewer bugs</li></ul>
<pre><code>go get example.com/pkg</code></pre>
<p>Call <code>Run</code> to start.</p>
<script>alert("x")</script>
<footer>copyright</footer>
</body>
</html>`

func TestHTMLToText(t *testing.T) {
	text, err := htmlToText(samplePage)
	require.NoError(t, err)

	assert.Contains(t, text, "# Release Notes")
	assert.Contains(t, text, "## Changes")
	assert.Contains(t, text, "Streaming is now supported.")
	assert.Contains(t, text, "- faster sync")
	assert.Contains(t, text, "- fewer bugs")
	assert.Contains(t, text, "```\ngo get example.com/pkg")
	assert.Contains(t, text, "`Run`")
	assert.NotContains(t, text, "alert")
	assert.NotContains(t, text, "color: red")
	assert.NotContains(t, text, "Home")
	assert.NotContains(t, text, "copyright")
	assert.NotContains(t, text, "\n\n\n")
}

func TestScrape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/page":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			fmt.Fprint(w, samplePage)
		case "/notes.txt":
			w.Header().Set("Content-Type", "text/plain")
			fmt.Fprint(w, "  plain <b>text</b>\n")
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	s := NewScraper(srv.Client())
	ctx := context.Background()

	t.Run("html", func(t *testing.T) {
		text, err := s.Scrape(ctx, srv.URL+"/page")
		require.NoError(t, err)
		assert.Contains(t, text, "Streaming is now supported.")
	})

	t.Run("plain text is returned unchanged", func(t *testing.T) {
		text, err := s.Scrape(ctx, srv.URL+"/notes.txt")
		require.NoError(t, err)
		assert.Equal(t, "plain <b>text</b>", text)
	})

	t.Run("missing page", func(t *testing.T) {
		_, err := s.Scrape(ctx, srv.URL+"/missing")
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrCodeNotFound))
	})

	t.Run("invalid url", func(t *testing.T) {
		for _, u := range []string{"", "ftp://example.com/x", "not a url", "/relative"} {
			_, err := s.Scrape(ctx, u)
			assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput), u)
		}
	})
}
