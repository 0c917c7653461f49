package recaptcha

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/decaptcha-crawler/internal/decaptcha"
)

var errNoForm = errors.New("no form element")

var skippedInputTypes = map[string]struct{}{
	"submit": {},
	"image":  {},
	"reset":  {},
	"button": {},
	"file":   {},
}

// NewFormRequest builds the request a browser would send when submitting
// form, pre-filled from its controls, with overrides replacing field values.
// The form action resolves against the URL of resp; GET forms carry their
// values in the query string and every other method in a urlencoded body.
func NewFormRequest(resp *decaptcha.Response, form *goquery.Selection, overrides map[string]string) (*decaptcha.Request, error) {
	if form == nil || form.Length() == 0 {
		return nil, errNoForm
	}
	form = form.First()

	method := strings.ToUpper(strings.TrimSpace(form.AttrOr("method", http.MethodGet)))
	if method == "" {
		method = http.MethodGet
	}

	var base *url.URL
	if resp != nil {
		base = resp.URL
	}
	action := strings.TrimSpace(form.AttrOr("action", ""))
	target, err := resolve(base, action)
	if err != nil {
		return nil, err
	}
	if target == nil || target.String() == "" {
		return nil, errors.New("form has no action and no base url")
	}

	values := formValues(form)
	for name, value := range overrides {
		values.Set(name, value)
	}

	req := &decaptcha.Request{
		Method: method,
		Header: http.Header{},
		Meta:   decaptcha.Meta{ChallengeFlow: true},
	}
	u := *target
	u.Fragment = ""
	if method == http.MethodGet {
		u.RawQuery = values.Encode()
	} else {
		req.Body = []byte(values.Encode())
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.URL = &u
	if base != nil {
		req.Header.Set("Referer", base.String())
	}
	return req, nil
}

func formValues(form *goquery.Selection) url.Values {
	values := url.Values{}
	form.Find("input, select, textarea").Each(func(_ int, field *goquery.Selection) {
		name, ok := field.Attr("name")
		if !ok || name == "" {
			return
		}
		if _, disabled := field.Attr("disabled"); disabled {
			return
		}
		switch goquery.NodeName(field) {
		case "input":
			typ := strings.ToLower(field.AttrOr("type", "text"))
			if _, skip := skippedInputTypes[typ]; skip {
				return
			}
			if typ == "checkbox" || typ == "radio" {
				if _, checked := field.Attr("checked"); !checked {
					return
				}
				values.Add(name, field.AttrOr("value", "on"))
				return
			}
			values.Add(name, field.AttrOr("value", ""))
		case "select":
			options := field.Find("option")
			selected := options.FilterFunction(func(_ int, opt *goquery.Selection) bool {
				_, ok := opt.Attr("selected")
				return ok
			})
			if selected.Length() == 0 {
				if _, multiple := field.Attr("multiple"); multiple {
					return
				}
				selected = options.First()
			}
			selected.Each(func(_ int, opt *goquery.Selection) {
				values.Add(name, optionValue(opt))
			})
		case "textarea":
			values.Add(name, field.Text())
		}
	})
	return values
}

func optionValue(opt *goquery.Selection) string {
	if v, ok := opt.Attr("value"); ok {
		return v
	}
	return strings.TrimSpace(opt.Text())
}
