package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const articleHTML = `<html>
<head>
  <title>Fallback Title | Site</title>
  <meta property="og:title" content="Big Launch Announced">
  <meta property="og:description" content="A short summary of the launch.">
  <meta property="article:published_time" content="2026-05-01T10:00:00Z">
</head>
<body>
  <article>
    <h1>Big Launch Announced</h1>
    <span class="byline">Jane Reporter</span>
    <p>Body text.</p>
  </article>
</body>
</html>`

func TestArticleExtractor(t *testing.T) {
	rec, err := (&ArticleExtractor{}).Extract([]byte(articleHTML), "http://news.example.com/launch")
	require.NoError(t, err)

	assert.Equal(t, "article", rec.Mode)
	assert.Equal(t, "http://news.example.com/launch", rec.URL)
	assert.Equal(t, "Big Launch Announced", rec.Title)
	assert.Equal(t, "A short summary of the launch.", rec.Fields["summary"])
	assert.Equal(t, "2026-05-01T10:00:00Z", rec.Fields["published"])
	assert.Equal(t, "Jane Reporter", rec.Fields["author"])
	assert.False(t, rec.FetchedAt.IsZero())
}

func TestArticleExtractorTitleFallbacks(t *testing.T) {
	rec, err := (&ArticleExtractor{}).Extract(
		[]byte(`<html><head><title>Only The Title Tag</title></head><body></body></html>`),
		"http://news.example.com/x")
	require.NoError(t, err)
	assert.Equal(t, "Only The Title Tag", rec.Title)
}

func TestArticleExtractorNoTitle(t *testing.T) {
	_, err := (&ArticleExtractor{}).Extract([]byte(`<html><body><p>nothing here</p></body></html>`), "http://x.example.com")
	assert.ErrorIs(t, err, ErrParse)
}

const playerHTML = `<html><body>
  <h1 itemprop="name">Alex Example</h1>
  <div class="position">Goalkeeper</div>
  <div class="team">Example FC</div>
  <table class="stats">
    <thead><tr><th>Games</th><th>Saves</th></tr></thead>
    <tbody>
      <tr><td>34</td><td>121</td></tr>
      <tr><td>30</td><td>99</td></tr>
    </tbody>
  </table>
</body></html>`

func TestPlayerExtractor(t *testing.T) {
	rec, err := (&PlayerExtractor{}).Extract([]byte(playerHTML), "http://sports.example.com/alex")
	require.NoError(t, err)

	assert.Equal(t, "Alex Example", rec.Title)
	assert.Equal(t, "Goalkeeper", rec.Fields["position"])
	assert.Equal(t, "Example FC", rec.Fields["team"])
	assert.Equal(t, "34", rec.Fields["stat:Games"])
	assert.Equal(t, "121", rec.Fields["stat:Saves"])
	assert.NotContains(t, rec.Fields, "stat:", "only the first data row is kept")
}

func TestPlayerExtractorNoName(t *testing.T) {
	_, err := (&PlayerExtractor{}).Extract([]byte(`<html><body><table></table></body></html>`), "http://x.example.com")
	assert.ErrorIs(t, err, ErrParse)
}

const companyHTML = `<html><body>
  <h1 itemprop="name">Acme Widgets Ltd</h1>
  <address itemprop="address">1 Factory Lane
     Springfield</address>
  <span itemprop="telephone">+1 555 0100</span>
  <a href="mailto:info@acme.example">contact</a>
</body></html>`

func TestCompanyExtractor(t *testing.T) {
	rec, err := (&CompanyExtractor{}).Extract([]byte(companyHTML), "http://dir.example.com/acme")
	require.NoError(t, err)

	assert.Equal(t, "Acme Widgets Ltd", rec.Title)
	assert.Equal(t, "1 Factory Lane Springfield", rec.Fields["address"], "whitespace collapsed")
	assert.Equal(t, "+1 555 0100", rec.Fields["phone"])
	assert.Equal(t, "info@acme.example", rec.Fields["email"])
}

func TestRegistry(t *testing.T) {
	r := DefaultRegistry()
	assert.Equal(t, []string{"article", "company", "player"}, r.Modes())

	ex, err := r.Get("article")
	require.NoError(t, err)
	assert.Equal(t, "article", ex.Mode())

	_, err = r.Get("recipe")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown extraction mode "recipe"`)
}
