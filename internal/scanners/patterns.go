package scanners

import (
	"context"
	"fmt"
	"regexp"
	"sort"

	"go.uber.org/zap"

	"github.com/mzaki/scanward/internal/models"
	"github.com/mzaki/scanward/internal/pipeline"
)

// paramClass tags parameter names that commonly sit on a vulnerable
// sink, in the style of the gf pattern packs.
type paramClass struct {
	tag string
	re  *regexp.Regexp
}

var paramClasses = []paramClass{
	{"xss", regexp.MustCompile(`(?i)^(?:q|s|search|query|keyword|name|msg|message|comment|title|text|body|input|preview)$`)},
	{"sqli", regexp.MustCompile(`(?i)^(?:id|uid|user_?id|item|cat|category|pid|product|order|sort|column|field|table|select|filter|where)$`)},
	{"lfi", regexp.MustCompile(`(?i)^(?:file|path|page|template|doc|document|folder|dir|include|inc|locate|show|site|view|content|layout)$`)},
	{"ssrf", regexp.MustCompile(`(?i)^(?:url|uri|u|link|src|source|dest|destination|callback|webhook|feed|host|port|proxy|fetch|load)$`)},
	{"redirect", regexp.MustCompile(`(?i)^(?:next|return|return_?url|redirect|redirect_?ur[il]|goto|target|rurl|continue|forward|to)$`)},
	{"rce", regexp.MustCompile(`(?i)^(?:cmd|command|exec|execute|run|ping|query_?string|code|func|function|method|op|process|daemon)$`)},
	{"idor", regexp.MustCompile(`(?i)^(?:account|profile|doc_?id|record|key|number|invoice|order_?id|customer|member|group_?id)$`)},
	{"debug", regexp.MustCompile(`(?i)^(?:debug|test|admin|dbg|trace|verbose|env|mode|config|edit|enable|internal|staging)$`)},
}

// GFPatternsResult is the cached output of the gf_patterns stage
type GFPatternsResult struct {
	Tagged  int            `json:"tagged"`
	Classes map[string]int `json:"classes,omitempty"`
}

// runGFPatterns classifies the parameters seen on recorded endpoints
// and tags each endpoint with the classes its parameters hit. One
// informational finding per class summarizes the candidates for manual
// review.
func (d *Deps) runGFPatterns(ctx context.Context, sc *pipeline.StageContext) (any, error) {
	endpoints, err := d.Sink.GetEndpoints(sc.ScanID)
	if err != nil {
		return nil, err
	}
	result := GFPatternsResult{Classes: make(map[string]int)}
	if len(endpoints) == 0 {
		return result, nil
	}

	classURLs := make(map[string][]string)
	var tagged []models.Endpoint
	for _, ep := range endpoints {
		tags := classifyParams(ep.Params)
		if len(tags) == 0 {
			continue
		}
		ep.PatternTags = tags
		tagged = append(tagged, ep)
		result.Tagged++
		for _, tag := range tags {
			result.Classes[tag]++
			if len(classURLs[tag]) < 5 {
				classURLs[tag] = append(classURLs[tag], ep.URL)
			}
		}
	}

	if err := d.Sink.SaveEndpoints(sc.ScanID, tagged); err != nil {
		return nil, err
	}

	var findings []models.Finding
	classes := make([]string, 0, len(result.Classes))
	for tag := range result.Classes {
		classes = append(classes, tag)
	}
	sort.Strings(classes)
	for _, tag := range classes {
		urls := classURLs[tag]
		findings = append(findings, models.Finding{
			ScanID:   sc.ScanID,
			Title:    fmt.Sprintf("%d endpoints with %s-pattern parameters", result.Classes[tag], tag),
			Severity: models.SeverityInfo,
			URL:      urls[0],
			Evidence: fmt.Sprintf("examples: %v", urls),
			Tool:     "gf-patterns",
		})
	}
	if err := d.Sink.SaveFindings(sc.ScanID, findings); err != nil {
		return nil, err
	}

	d.log().Info("pattern tagging finished",
		zap.Int("endpoints", len(endpoints)),
		zap.Int("tagged", result.Tagged),
		zap.Int("classes", len(result.Classes)))
	return result, nil
}

// classifyParams returns the sorted set of classes the parameter names
// fall into.
func classifyParams(params []string) []string {
	var tags []string
	for _, class := range paramClasses {
		for _, param := range params {
			if class.re.MatchString(param) {
				tags = append(tags, class.tag)
				break
			}
		}
	}
	return tags
}
