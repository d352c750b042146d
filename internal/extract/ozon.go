package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"wishlist-parser/internal/fetch"
	"wishlist-parser/internal/models"
)

const ozonAPIBase = "https://www.ozon.ru/api/entrypoint-api.bx/page/json/v2?url="

var (
	ozonProductPath = regexp.MustCompile(`/product/([^/]+)`)
	ozonShortPath   = regexp.MustCompile(`/t/([^/]+)`)
)

// Ozon reads ozon.ru product pages through the storefront's page JSON API,
// which is far more stable than the rendered markup.
type Ozon struct {
	fetcher    PageFetcher
	maxRetries int
	log        *zap.Logger
}

func NewOzon(fetcher PageFetcher, maxRetries int, log *zap.Logger) *Ozon {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Ozon{fetcher: fetcher, maxRetries: maxRetries, log: log.Named("ozon")}
}

func (o *Ozon) Name() string { return "ozon" }

func (o *Ozon) CanHandle(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return strings.Contains(u.Hostname(), "ozon.ru")
}

func (o *Ozon) Extract(ctx context.Context, rawURL string) (models.ParsedProduct, error) {
	apiURL, ok := ozonAPIURL(rawURL)
	if !ok {
		return models.ParsedProduct{}, &ExtractionFailedError{Reason: "could not extract product slug from URL"}
	}

	resp, err := o.fetcher.FetchWithRetry(ctx, apiURL, o.maxRetries, fetch.Options{
		Country:  "ru",
		Lang:     "ru",
		ASP:      true,
		RenderJS: true,
		Headers: map[string]string{
			"Accept":  "application/json",
			"Referer": "https://www.ozon.ru/",
		},
	})
	if err != nil {
		return models.ParsedProduct{}, err
	}

	var page ozonPage
	if err := json.Unmarshal([]byte(jsonBody(resp.Content)), &page); err != nil {
		o.log.Warn("ozon api returned invalid json", zap.String("url", rawURL), zap.Error(err))
		return models.ParsedProduct{}, &ExtractionFailedError{Reason: "invalid JSON response from Ozon API"}
	}

	p := o.fromPage(page)
	p.SourceURL = rawURL
	return p, nil
}

// ozonAPIURL maps /product/<slug> and /t/<code> paths to the page JSON API.
func ozonAPIURL(rawURL string) (string, bool) {
	u, err := url.Parse(strings.SplitN(rawURL, "?", 2)[0])
	if err != nil {
		return "", false
	}
	if m := ozonProductPath.FindStringSubmatch(u.Path); m != nil {
		return ozonAPIBase + "/product/" + m[1] + "/", true
	}
	if m := ozonShortPath.FindStringSubmatch(u.Path); m != nil {
		return ozonAPIBase + "/t/" + m[1] + "/", true
	}
	return "", false
}

// jsonBody strips any wrapper a rendering backend may put around the payload.
func jsonBody(content string) string {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "{") {
		return content
	}
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return content
	}
	return content[start : end+1]
}

type ozonPage struct {
	Layout []any `json:"layout"`
	// Each value is itself a JSON document encoded as a string.
	WidgetStates map[string]string `json:"widgetStates"`
}

func (o *Ozon) fromPage(page ozonPage) models.ParsedProduct {
	var p models.ParsedProduct
	if len(page.Layout) == 0 || len(page.WidgetStates) == 0 {
		o.log.Warn("ozon response missing layout or widget states")
		return p
	}

	components := collectComponents(page.Layout)
	o.log.Debug("ozon layout parsed", zap.Int("components", len(components)))

	for _, c := range components {
		stateID, _ := c["stateId"].(string)
		if stateID == "" {
			continue
		}
		state := decodeWidgetState(page.WidgetStates[stateID])
		if state == nil {
			continue
		}

		switch c["component"] {
		case "webProductHeading":
			if p.Title == "" {
				p.Title = ozonTitle(state)
			}
		case "webPrice":
			if p.Price == nil {
				p.Price, p.Currency = ozonPrice(state)
			}
		case "webGallery":
			if p.ImageURL == "" {
				p.ImageURL = ozonImage(state)
			}
		case "webSingleProductScore", "webReviewProductScore":
			if p.Description == "" {
				p.Description = ozonRating(state)
			}
		case "textBlock":
			if p.Description == "" {
				p.Description = ozonText(state)
			}
		}
	}
	return p
}

// collectComponents walks the layout tree and returns every object carrying a
// "component" key, in document order.
func collectComponents(items []any) []map[string]any {
	var out []map[string]any
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if _, ok := obj["component"]; ok {
			out = append(out, obj)
		}
		for _, key := range sortedKeys(obj) {
			switch val := obj[key].(type) {
			case []any:
				out = append(out, collectComponents(val)...)
			case map[string]any:
				if key == "component" {
					continue
				}
				for _, nk := range sortedKeys(val) {
					if arr, ok := val[nk].([]any); ok {
						out = append(out, collectComponents(arr)...)
					}
				}
			}
		}
	}
	return out
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func decodeWidgetState(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var state map[string]any
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil
	}
	return state
}

func ozonTitle(state map[string]any) string {
	switch t := state["title"].(type) {
	case string:
		return t
	case map[string]any:
		if s := str(t["text"]); s != "" {
			return s
		}
	}
	for _, path := range [][]string{{"text"}, {"header", "title"}, {"textAtom", "text"}, {"name"}} {
		if s := str(dig(state, path...)); s != "" {
			return s
		}
	}
	return findString(state, "title", "text", "name")
}

func ozonPrice(state map[string]any) (*float64, string) {
	currency := firstNonEmpty(str(state["currency"]), str(dig(state, "priceV2", "currency")), "RUB")

	if prices, ok := dig(state, "priceV2", "price").([]any); ok && len(prices) > 0 {
		if first, ok := prices[0].(map[string]any); ok {
			if v, ok := ParsePrice(str(first["text"])); ok {
				return &v, currency
			}
		}
	}
	for _, key := range []string{"price", "currentPrice"} {
		switch v := state[key].(type) {
		case float64:
			return &v, currency
		case string:
			if f, ok := ParsePrice(v); ok {
				return &f, currency
			}
		}
	}
	return nil, currency
}

func ozonImage(state map[string]any) string {
	for _, key := range []string{"images", "gallery"} {
		if arr, ok := state[key].([]any); ok && len(arr) > 0 {
			if s := imageRef(arr[0]); s != "" {
				return s
			}
		}
	}
	if s := imageRef(state["image"]); s != "" {
		return s
	}
	if items, ok := state["items"].([]any); ok {
		for _, it := range items {
			obj, ok := it.(map[string]any)
			if !ok || str(obj["type"]) != "image" {
				continue
			}
			if s := str(dig(obj, "image", "link")); s != "" {
				return s
			}
		}
	}
	return ""
}

func imageRef(v any) string {
	switch img := v.(type) {
	case string:
		return img
	case map[string]any:
		return firstNonEmpty(str(img["url"]), str(img["src"]), str(img["link"]))
	}
	return ""
}

func ozonRating(state map[string]any) string {
	var rating, reviews string
	list := state
	if ll, ok := state["labelList"].(map[string]any); ok {
		list = ll
	}
	if items, ok := list["items"].([]any); ok {
		for _, it := range items {
			obj, ok := it.(map[string]any)
			if !ok {
				continue
			}
			title := strings.TrimSpace(str(obj["title"]))
			switch str(dig(obj, "icon", "image")) {
			case "ic_s_star_filled_compact":
				rating = title
			case "ic_s_dialog_filled_compact":
				reviews = title
			}
		}
	}
	if rating == "" {
		rating = str(state["text"])
	}
	if reviews == "" {
		reviews = str(dig(state, "link", "text"))
	}

	switch {
	case rating != "" && reviews != "":
		return fmt.Sprintf("Рейтинг: %s (%s)", rating, reviews)
	case rating != "":
		return "Рейтинг: " + rating
	default:
		return reviews
	}
}

func ozonText(state map[string]any) string {
	for _, key := range []string{"text", "description", "content"} {
		if s := str(state[key]); s != "" {
			return s
		}
	}
	if s := str(dig(state, "textAtom", "text")); s != "" {
		return s
	}
	if body, ok := state["body"].([]any); ok {
		var parts []string
		for _, it := range body {
			obj, ok := it.(map[string]any)
			if !ok || str(obj["type"]) != "textAtom" {
				continue
			}
			if s := str(dig(obj, "textAtom", "text")); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, " ")
	}
	return ""
}

func dig(v any, path ...string) any {
	for _, key := range path {
		obj, ok := v.(map[string]any)
		if !ok {
			return nil
		}
		v = obj[key]
	}
	return v
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

// findString does a depth-first search for the first string under any of keys.
func findString(v any, keys ...string) string {
	obj, ok := v.(map[string]any)
	if !ok {
		if arr, ok := v.([]any); ok {
			for _, it := range arr {
				if s := findString(it, keys...); s != "" {
					return s
				}
			}
		}
		return ""
	}
	for _, k := range keys {
		if s := str(obj[k]); s != "" {
			return s
		}
	}
	for _, k := range sortedKeys(obj) {
		if s := findString(obj[k], keys...); s != "" {
			return s
		}
	}
	return ""
}
