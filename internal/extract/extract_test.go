package extract

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"wishlist-parser/internal/fetch"
	"wishlist-parser/internal/models"
)

type fakeFetcher struct {
	content string
	err     error
	calls   atomic.Int32
	lastURL string
	opts    fetch.Options
}

func (f *fakeFetcher) FetchWithRetry(_ context.Context, url string, _ int, opts fetch.Options) (fetch.Response, error) {
	f.calls.Add(1)
	f.lastURL = url
	f.opts = opts
	if f.err != nil {
		return fetch.Response{}, f.err
	}
	return fetch.Response{Content: f.content, URL: url, StatusCode: 200}, nil
}

type fakeCompleter struct {
	reply  string
	err    error
	calls  atomic.Int32
	prompt string
}

func (c *fakeCompleter) Complete(_ context.Context, prompt string) (string, error) {
	c.calls.Add(1)
	c.prompt = prompt
	return c.reply, c.err
}

type stubStrategy struct {
	name    string
	handles func(string) bool
	product models.ParsedProduct
	err     error
	calls   atomic.Int32
}

func (s *stubStrategy) Name() string { return s.name }
func (s *stubStrategy) CanHandle(rawURL string) bool { return s.handles(rawURL) }
func (s *stubStrategy) Extract(_ context.Context, rawURL string) (models.ParsedProduct, error) {
	s.calls.Add(1)
	p := s.product
	p.SourceURL = rawURL
	return p, s.err
}

const richPage = `<html><head>
<title>Fallback title</title>
<meta property="og:title" content="Trail Running Shoe">
<meta property="og:price:amount" content="7 430">
<meta property="og:price:currency" content="rub">
<meta property="og:image" content="/img/shoe.jpg">
<meta property="og:description" content="Lightweight shoe">
<meta property="og:brand" content="Salomon">
</head><body><h1>Trail Running Shoe</h1></body></html>`

const thinPage = `<html><head><title>Mystery Box</title></head>
<body><script>var x = 1;</script><div class="content">Something inside</div></body></html>`

func TestParsePrice(t *testing.T) {
	cases := map[string]float64{
		"1 246 ₽":       1246,
		"7 430 ₽":       7430,
		"$1,299.00":     1299,
		"19,99 €":       19.99,
		"1.299,50 €":    1299.5,
		"Price: 42":     42,
		"1,299":         1299,
		"12.5":          12.5,
		"от 3 990 руб.": 3990,
	}
	for in, want := range cases {
		got, ok := ParsePrice(in)
		require.True(t, ok, in)
		assert.InDelta(t, want, got, 0.0001, in)
	}

	_, ok := ParsePrice("call for price")
	assert.False(t, ok)
	_, ok = ParsePrice("")
	assert.False(t, ok)
}

func TestHeuristicRichPage(t *testing.T) {
	h := NewHeuristic("RUB")
	c := h.Extract(richPage, "https://shop.test/p/1")

	assert.Equal(t, "Trail Running Shoe", c.Title)
	require.NotNil(t, c.Price)
	assert.Equal(t, 7430.0, *c.Price)
	assert.Equal(t, "RUB", c.Currency)
	assert.Equal(t, "https://shop.test/img/shoe.jpg", c.ImageURL)
	assert.Equal(t, "Lightweight shoe", c.Description)
	assert.Equal(t, "Salomon", c.Brand)
	assert.Equal(t, 1.0, c.Confidence)
}

func TestHeuristicThinPage(t *testing.T) {
	h := NewHeuristic("RUB")
	c := h.Extract(thinPage, "https://shop.test/p/2")

	assert.Equal(t, "Mystery Box", c.Title)
	assert.Nil(t, c.Price)
	assert.Equal(t, "RUB", c.Currency)
	assert.Equal(t, 0.3, c.Confidence)
}

func TestHeuristicCurrencyFromSymbol(t *testing.T) {
	h := NewHeuristic("RUB")
	c := h.Extract(`<html><body><h1>Mug</h1><span class="product-price">$12.50</span></body></html>`, "https://shop.test/m")

	require.NotNil(t, c.Price)
	assert.Equal(t, 12.5, *c.Price)
	assert.Equal(t, "USD", c.Currency)
}

func TestGenericSkipsAIAboveThreshold(t *testing.T) {
	f := &fakeFetcher{content: richPage}
	comp := &fakeCompleter{reply: `{"title":"AI title"}`}
	g := NewGeneric(f, NewAIExtractor(comp, 0, zap.NewNop()), GenericConfig{ConfidenceThreshold: 0.7, DefaultCurrency: "RUB"}, zap.NewNop())

	p, err := g.Extract(context.Background(), "https://shop.test/p/1")

	require.NoError(t, err)
	assert.Equal(t, "Trail Running Shoe", p.Title)
	assert.EqualValues(t, 0, comp.calls.Load())
	assert.Equal(t, "clean_html", f.opts.Format)
}

func TestGenericEscalatesAndBackfills(t *testing.T) {
	f := &fakeFetcher{content: thinPage}
	comp := &fakeCompleter{reply: "Here you go:\n```json\n{\"title\": null, \"price\": 1490, \"currency\": \"rub\", \"imageUrl\": \"/box.png\", \"category\": \"Toys\"}\n```"}
	g := NewGeneric(f, NewAIExtractor(comp, 0, zap.NewNop()), GenericConfig{ConfidenceThreshold: 0.7, DefaultCurrency: "RUB"}, zap.NewNop())

	p, err := g.Extract(context.Background(), "https://shop.test/p/2")

	require.NoError(t, err)
	assert.EqualValues(t, 1, comp.calls.Load())
	assert.Equal(t, "Mystery Box", p.Title, "missing AI field is backfilled from heuristic")
	require.NotNil(t, p.Price)
	assert.Equal(t, 1490.0, *p.Price)
	assert.Equal(t, "RUB", p.Currency)
	assert.Equal(t, "https://shop.test/box.png", p.ImageURL)
	assert.Equal(t, "Toys", p.Category)
	assert.NotContains(t, comp.prompt, "var x = 1")
	assert.Contains(t, comp.prompt, "URL: https://shop.test/p/2")
}

func TestGenericAIFailureFallsBack(t *testing.T) {
	f := &fakeFetcher{content: thinPage}
	comp := &fakeCompleter{err: errors.New("overloaded")}
	g := NewGeneric(f, NewAIExtractor(comp, 0, zap.NewNop()), GenericConfig{ConfidenceThreshold: 0.7}, zap.NewNop())

	p, err := g.Extract(context.Background(), "https://shop.test/p/2")

	require.NoError(t, err)
	assert.Equal(t, "Mystery Box", p.Title)
	assert.Nil(t, p.Price)
}

func TestGenericPropagatesFetchErrorUnchanged(t *testing.T) {
	fetchErr := &fetch.Error{URL: "https://shop.test", StatusCode: 429, Cause: errors.New("throttled")}
	g := NewGeneric(&fakeFetcher{err: fetchErr}, nil, GenericConfig{ConfidenceThreshold: 0.7}, zap.NewNop())

	_, err := g.Extract(context.Background(), "https://shop.test")

	assert.Same(t, fetchErr, err)
}

func TestAIExtractorTruncatesHTML(t *testing.T) {
	comp := &fakeCompleter{reply: "{}"}
	a := NewAIExtractor(comp, 100, zap.NewNop())

	a.Extract(context.Background(), "<p>"+strings.Repeat("x", 500)+"</p>", "https://shop.test", Candidate{})

	assert.Contains(t, comp.prompt, "... [truncated]")
	assert.Less(t, len(comp.prompt), 1500)
}

func TestDispatcherSiteStrategyIsExclusive(t *testing.T) {
	site := &stubStrategy{
		name:    "site",
		handles: func(u string) bool { return strings.Contains(u, "ozon.ru") },
		err:     &ExtractionFailedError{Reason: "partial page"},
	}
	generic := &stubStrategy{
		name:    "generic",
		handles: func(string) bool { return true },
		product: models.ParsedProduct{Title: "generic"},
	}
	d := NewDispatcher(zap.NewNop(), generic, site)

	for _, u := range []string{"https://www.ozon.ru/product/a-1/", "https://ozon.ru/t/ABC"} {
		_, err := d.Extract(context.Background(), u)
		require.ErrorIs(t, err, ErrExtractionFailed)
	}
	assert.EqualValues(t, 2, site.calls.Load())
	assert.EqualValues(t, 0, generic.calls.Load())

	p, err := d.Extract(context.Background(), "https://shop.test/x")
	require.NoError(t, err)
	assert.Equal(t, "generic", p.Title)
	assert.EqualValues(t, 1, generic.calls.Load())
}

func TestDispatcherFirstMatchWins(t *testing.T) {
	first := &stubStrategy{name: "first", handles: func(string) bool { return true }, product: models.ParsedProduct{Title: "first"}}
	second := &stubStrategy{name: "second", handles: func(string) bool { return true }, product: models.ParsedProduct{Title: "second"}}
	d := NewDispatcher(zap.NewNop(), nil, first, second)

	p, err := d.Extract(context.Background(), "https://shop.test/x")

	require.NoError(t, err)
	assert.Equal(t, "first", p.Title)
	assert.EqualValues(t, 0, second.calls.Load())
}

func TestDispatcherUnsupported(t *testing.T) {
	d := NewDispatcher(zap.NewNop(), nil)

	for _, u := range []string{"not a url", "ftp://files.test/x", "https://shop.test/p"} {
		_, err := d.Extract(context.Background(), u)
		assert.ErrorIs(t, err, ErrUnsupportedSite, u)
	}
}

func TestDispatcherRequiresTitle(t *testing.T) {
	generic := &stubStrategy{name: "generic", handles: func(string) bool { return true }, product: models.ParsedProduct{Title: "   ", Price: models.Float64(5)}}
	d := NewDispatcher(zap.NewNop(), generic)

	_, err := d.Extract(context.Background(), "https://shop.test/x")

	var efe *ExtractionFailedError
	require.ErrorAs(t, err, &efe)
	assert.ErrorIs(t, err, ErrExtractionFailed)
}

func TestSanitize(t *testing.T) {
	p := Sanitize(models.ParsedProduct{
		Title:       "  " + strings.Repeat("ж", 300) + "  ",
		Description: strings.Repeat("d", 2500),
		Price:       models.Float64(-3),
		Currency:    " eur ",
	})

	assert.Equal(t, 255, len([]rune(p.Title)))
	assert.Len(t, p.Description, 2000)
	assert.Nil(t, p.Price)
	assert.Equal(t, "EUR", p.Currency)

	assert.Equal(t, "", Sanitize(models.ParsedProduct{Currency: "₽"}).Currency)
}

const ozonPayload = `{
  "layout": [
    {"component": "container", "placeholders": [
      {"component": "webProductHeading", "stateId": "heading-1"},
      {"component": "webPrice", "stateId": "price-1"}
    ]},
    {"component": "column", "params": {"widgets": [
      {"component": "webGallery", "stateId": "gallery-1"},
      {"component": "webReviewProductScore", "stateId": "score-1"}
    ]}},
    {"component": "textBlock", "stateId": "text-1"}
  ],
  "widgetStates": {
    "heading-1": "{\"title\":\"Термоноски Empire Socks, 12 пар\"}",
    "price-1": "{\"priceV2\":{\"price\":[{\"text\":\"1 246 ₽\",\"textStyle\":\"PRICE\"}]}}",
    "gallery-1": "{\"images\":[{\"src\":\"https://cdn.ozon.test/1.jpg\"}]}",
    "score-1": "{\"labelList\":{\"items\":[{\"icon\":{\"image\":\"ic_s_star_filled_compact\"},\"title\":\"4.9 \"},{\"icon\":{\"image\":\"ic_s_dialog_filled_compact\"},\"title\":\"1 024 отзыва\"}]}}",
    "text-1": "{\"text\":\"not used\"}"
  }
}`

func TestOzonExtract(t *testing.T) {
	f := &fakeFetcher{content: ozonPayload}
	o := NewOzon(f, 3, zap.NewNop())

	require.True(t, o.CanHandle("https://www.ozon.ru/product/termonoski-empire-socks-12-par-2208892170/?at=xyz"))
	require.False(t, o.CanHandle("https://shop.test/product/x"))

	p, err := o.Extract(context.Background(), "https://www.ozon.ru/product/termonoski-empire-socks-12-par-2208892170/?at=xyz")

	require.NoError(t, err)
	assert.Equal(t, "https://www.ozon.ru/api/entrypoint-api.bx/page/json/v2?url=/product/termonoski-empire-socks-12-par-2208892170/", f.lastURL)
	assert.True(t, f.opts.RenderJS)
	assert.Equal(t, "application/json", f.opts.Headers["Accept"])
	assert.Empty(t, f.opts.Format)

	assert.Equal(t, "Термоноски Empire Socks, 12 пар", p.Title)
	require.NotNil(t, p.Price)
	assert.Equal(t, 1246.0, *p.Price)
	assert.Equal(t, "RUB", p.Currency)
	assert.Equal(t, "https://cdn.ozon.test/1.jpg", p.ImageURL)
	assert.Equal(t, "Рейтинг: 4.9 (1 024 отзыва)", p.Description)
}

func TestOzonShortLink(t *testing.T) {
	api, ok := ozonAPIURL("https://ozon.ru/t/T86F05A")
	require.True(t, ok)
	assert.Equal(t, "https://www.ozon.ru/api/entrypoint-api.bx/page/json/v2?url=/t/T86F05A/", api)

	_, ok = ozonAPIURL("https://www.ozon.ru/category/socks/")
	assert.False(t, ok)
}

func TestOzonInvalidJSON(t *testing.T) {
	o := NewOzon(&fakeFetcher{content: "<html>captcha</html>"}, 3, zap.NewNop())

	_, err := o.Extract(context.Background(), "https://www.ozon.ru/product/x-1/")

	assert.ErrorIs(t, err, ErrExtractionFailed)
}
