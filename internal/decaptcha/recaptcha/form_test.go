package recaptcha

import (
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/decaptcha-crawler/internal/decaptcha"
)

func formFixture(t *testing.T, body string) (*decaptcha.Response, *goquery.Selection) {
	t.Helper()
	resp := page(t, "https://example.com/dir/page?x=1", body)
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	require.NoError(t, err)
	return resp, doc.Find("form")
}

// TestNewFormRequestPost collects control values into a urlencoded body.
func TestNewFormRequestPost(t *testing.T) {
	t.Parallel()

	resp, form := formFixture(t, `<form method="post" action="submit#frag">
<input name="text" value="a">
<input name="off" value="x" disabled>
<input type="checkbox" name="box" checked>
<input type="checkbox" name="unchecked" value="no">
<input type="radio" name="r" value="1">
<input type="radio" name="r" value="2" checked>
<input type="file" name="upload">
<input type="submit" name="go" value="Go">
<select name="one"><option value="a">A</option><option value="b" selected>B</option></select>
<select name="first"><option>Alpha</option><option>Beta</option></select>
<select name="many" multiple><option value="m1" selected>1</option><option value="m2" selected>2</option></select>
<textarea name="notes">hello</textarea>
<input name="captcha" value="old">
</form>`)

	req, err := NewFormRequest(resp, form, map[string]string{"captcha": "AB12"})
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "https://example.com/dir/submit", req.String())
	assert.Equal(t, "application/x-www-form-urlencoded", req.Header.Get("Content-Type"))
	assert.True(t, req.Meta.ChallengeFlow)

	values, err := url.ParseQuery(string(req.Body))
	require.NoError(t, err)
	assert.Equal(t, url.Values{
		"text":    {"a"},
		"box":     {"on"},
		"r":       {"2"},
		"one":     {"b"},
		"first":   {"Alpha"},
		"many":    {"m1", "m2"},
		"notes":   {"hello"},
		"captcha": {"AB12"},
	}, values)
}

// TestNewFormRequestGet defaults to GET against the page URL and moves values into the query.
func TestNewFormRequestGet(t *testing.T) {
	t.Parallel()

	resp, form := formFixture(t, `<form><input name="q" value="go"></form>`)
	req, err := NewFormRequest(resp, form, map[string]string{"token": "t"})
	require.NoError(t, err)
	assert.Equal(t, http.MethodGet, req.Method)
	assert.Empty(t, req.Body)
	assert.Equal(t, "/dir/page", req.URL.Path)
	assert.Equal(t, url.Values{"q": {"go"}, "token": {"t"}}, req.URL.Query())
}

// TestNewFormRequestNoForm rejects an empty selection.
func TestNewFormRequestNoForm(t *testing.T) {
	t.Parallel()

	resp, form := formFixture(t, `<p>nothing</p>`)
	_, err := NewFormRequest(resp, form, nil)
	require.Error(t, err)
}
