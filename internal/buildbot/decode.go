package buildbot

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

var ErrMalformedBuild = errors.New("malformed build payload")

// DecodeBuild reads a build dictionary as Buildbot serializes it for status
// pushes and the data API:
//
//	{"buildid": 42, "number": 7, "url": "...", "results": 0,
//	 "builder": {"name": "linux"},
//	 "buildset": {"bsid": 3, "parent_buildid": 40, "parent_relationship": "triggered by",
//	              "sourcestamps": [{"revision": "abc", "branch": "main", ...}]},
//	 "properties": {"owner": ["bob", "Change"]}}
//
// Unknown keys are ignored; only a missing build id is an error.
func DecodeBuild(raw []byte) (Build, error) {
	if !gjson.ValidBytes(raw) {
		return Build{}, fmt.Errorf("%w: invalid json", ErrMalformedBuild)
	}
	doc := gjson.ParseBytes(raw)
	if !doc.IsObject() {
		return Build{}, fmt.Errorf("%w: expected object", ErrMalformedBuild)
	}

	id := doc.Get("buildid")
	if !id.Exists() {
		return Build{}, fmt.Errorf("%w: buildid missing", ErrMalformedBuild)
	}

	b := Build{
		ID:          id.Int(),
		Number:      doc.Get("number").Int(),
		BuilderName: firstString(doc, "builder.name", "buildername", "builder_name"),
		URL:         doc.Get("url").String(),
		BuildsetID:  doc.Get("buildset.bsid").Int(),
	}

	if r := doc.Get("results"); r.Exists() && r.Type != gjson.Null {
		res, err := ParseResult(r.String())
		if err != nil {
			return Build{}, fmt.Errorf("%w: %v", ErrMalformedBuild, err)
		}
		b.Result = &res
	}

	if p := doc.Get("buildset.parent_buildid"); p.Exists() && p.Type != gjson.Null {
		pid := p.Int()
		b.ParentBuildID = &pid
		b.ParentRelationship = doc.Get("buildset.parent_relationship").String()
	}

	doc.Get("buildset.sourcestamps").ForEach(func(_, ss gjson.Result) bool {
		b.SourceStamps = append(b.SourceStamps, SourceStamp{
			Revision:   ss.Get("revision").String(),
			Project:    ss.Get("project").String(),
			Branch:     ss.Get("branch").String(),
			Repository: ss.Get("repository").String(),
		})
		return true
	})

	if props := doc.Get("properties"); props.IsObject() {
		b.Properties = map[string]any{}
		props.ForEach(func(k, v gjson.Result) bool {
			// Buildbot stores properties as [value, source] pairs.
			if v.IsArray() {
				b.Properties[k.String()] = v.Get("0").Value()
			} else {
				b.Properties[k.String()] = v.Value()
			}
			return true
		})
	}
	return b, nil
}

func firstString(doc gjson.Result, paths ...string) string {
	for _, p := range paths {
		if v := doc.Get(p); v.Exists() && strings.TrimSpace(v.String()) != "" {
			return v.String()
		}
	}
	return ""
}
