package intercept

import (
	"log"
	"math/rand"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"

	"github.com/surgecast/surgecast/internal/config"
	"github.com/surgecast/surgecast/internal/variables"
)

// opKind is the closed set of template token operators. Tokens are parsed
// once at configuration time, not per request.
type opKind int

const (
	opLiteral opKind = iota
	opVar
	opRandomUUID
	opRandomAlnum
	opRandomTimestamp
	opRandomRange
	opRandomFrom
	opRandomFromFile
)

// alnumLength is the length of random:alphanumeric values.
const alnumLength = 16

type segment struct {
	kind opKind
	text string // literal text, variable name, array name, or file path
	min  int
	max  int
}

var tokenRe = regexp.MustCompile(`\{\{([^}]+)\}\}`)

// Template is one compiled parameter-injection rule.
type Template struct {
	Target     config.ParameterTarget
	Name       string
	Scope      config.ParameterScope
	urlPattern *Pattern
	method     string
	segments   []segment
	arrays     map[string][]string
	files      *FileCache
	logger     *log.Logger

	// globalValue caches the resolved value for global-scope templates.
	globalOnce  sync.Once
	globalValue string
}

// CompileTemplate parses one configured ParameterTemplate. Malformed
// randomization tokens degrade to literal text; they never fail compilation.
func CompileTemplate(t config.ParameterTemplate, arrays map[string][]string, files *FileCache, logger *log.Logger) *Template {
	ct := &Template{
		Target: t.Target,
		Name:   t.Name,
		Scope:  t.Scope,
		arrays: arrays,
		files:  files,
		logger: logger,
	}
	if ct.Scope == "" {
		ct.Scope = config.ScopeSession
	}
	if t.URLPattern != "" {
		p := CompilePattern(t.URLPattern, logger)
		ct.urlPattern = &p
	}
	ct.method = strings.ToUpper(t.Method)
	ct.segments = parseSegments(t.Value, arrays, logger)
	return ct
}

func parseSegments(tmpl string, arrays map[string][]string, logger *log.Logger) []segment {
	var segs []segment
	last := 0
	for _, loc := range tokenRe.FindAllStringSubmatchIndex(tmpl, -1) {
		if loc[0] > last {
			segs = append(segs, segment{kind: opLiteral, text: tmpl[last:loc[0]]})
		}
		token := tmpl[loc[2]:loc[3]]
		seg, ok := parseToken(token, arrays, logger)
		if !ok {
			// Malformed randomization token: keep the raw text verbatim.
			seg = segment{kind: opLiteral, text: tmpl[loc[0]:loc[1]]}
		}
		segs = append(segs, seg)
		last = loc[1]
	}
	if last < len(tmpl) {
		segs = append(segs, segment{kind: opLiteral, text: tmpl[last:]})
	}
	return segs
}

func parseToken(token string, arrays map[string][]string, logger *log.Logger) (segment, bool) {
	switch {
	case strings.HasPrefix(token, "random:"):
		arg := token[len("random:"):]
		switch arg {
		case "uuid":
			return segment{kind: opRandomUUID}, true
		case "alphanumeric":
			return segment{kind: opRandomAlnum}, true
		case "timestamp":
			return segment{kind: opRandomTimestamp}, true
		}
		lo, hi, ok := parseRange(arg)
		if !ok {
			if logger != nil {
				logger.Printf("malformed randomization token %q, keeping literal", token)
			}
			return segment{}, false
		}
		return segment{kind: opRandomRange, min: lo, max: hi}, true

	case strings.HasPrefix(token, "randomFrom:"):
		name := token[len("randomFrom:"):]
		if name == "" {
			return segment{}, false
		}
		if _, ok := arrays[name]; !ok {
			if logger != nil {
				logger.Printf("randomFrom references unknown array %q, keeping literal", name)
			}
			return segment{}, false
		}
		return segment{kind: opRandomFrom, text: name}, true

	case strings.HasPrefix(token, "randomFromFile:"):
		path := token[len("randomFromFile:"):]
		if path == "" {
			return segment{}, false
		}
		return segment{kind: opRandomFromFile, text: path}, true

	default:
		// Plain variable reference; unknown names stay verbatim at
		// resolution time.
		return segment{kind: opVar, text: token}, true
	}
}

func parseRange(arg string) (int, int, bool) {
	lo, hi, ok := strings.Cut(arg, "-")
	if !ok {
		return 0, 0, false
	}
	minV, err1 := strconv.Atoi(lo)
	maxV, err2 := strconv.Atoi(hi)
	if err1 != nil || err2 != nil || maxV < minV {
		return 0, 0, false
	}
	return minV, maxV, true
}

// AppliesTo reports whether every declared constraint holds for the request.
// A template with no constraints applies to everything.
func (t *Template) AppliesTo(method, url string) bool {
	if t.method != "" && !strings.EqualFold(t.method, method) {
		return false
	}
	if t.urlPattern != nil && !t.urlPattern.Matches(url) {
		return false
	}
	return true
}

// Resolve produces the parameter value for one request. Global-scope
// templates resolve once per test and reuse the value; session-scope
// templates resolve against the session's variable context every time.
func (t *Template) Resolve(vars variables.Store, rng *rand.Rand) string {
	if t.Scope == config.ScopeGlobal {
		t.globalOnce.Do(func() {
			t.globalValue = t.resolve(vars, rng)
		})
		return t.globalValue
	}
	return t.resolve(vars, rng)
}

func (t *Template) resolve(vars variables.Store, rng *rand.Rand) string {
	var b strings.Builder
	for _, seg := range t.segments {
		switch seg.kind {
		case opLiteral:
			b.WriteString(seg.text)
		case opVar:
			if v, ok := vars.Get(seg.text); ok {
				b.WriteString(v)
			} else {
				// Unknown plain tokens are left verbatim.
				b.WriteString("{{" + seg.text + "}}")
			}
		case opRandomUUID:
			b.WriteString(uuid.NewString())
		case opRandomAlnum:
			b.WriteString(gofakeit.Password(true, true, true, false, false, alnumLength))
		case opRandomTimestamp:
			if v, ok := vars.Get(variables.KeyTimestamp); ok {
				b.WriteString(v)
			} else {
				b.WriteString(strconv.FormatInt(time.Now().UnixMilli(), 10))
			}
		case opRandomRange:
			b.WriteString(strconv.Itoa(seg.min + rng.Intn(seg.max-seg.min+1)))
		case opRandomFrom:
			values := t.arrays[seg.text]
			if len(values) == 0 {
				b.WriteString("{{randomFrom:" + seg.text + "}}")
				continue
			}
			b.WriteString(values[rng.Intn(len(values))])
		case opRandomFromFile:
			lines, err := t.files.Lines(seg.text)
			if err != nil || len(lines) == 0 {
				b.WriteString("{{randomFromFile:" + seg.text + "}}")
				continue
			}
			b.WriteString(lines[rng.Intn(len(lines))])
		}
	}
	return b.String()
}

// FileCache caches the non-empty lines of value files used by
// randomFromFile operators. Loaded lazily, shared across sessions.
type FileCache struct {
	mu     sync.Mutex
	lines  map[string][]string
	errs   map[string]error
	logger *log.Logger
}

// NewFileCache creates an empty cache.
func NewFileCache(logger *log.Logger) *FileCache {
	return &FileCache{
		lines:  make(map[string][]string),
		errs:   make(map[string]error),
		logger: logger,
	}
}

// Lines returns the cached lines for path, reading the file on first use.
// A read failure is cached and logged once.
func (c *FileCache) Lines(path string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if lines, ok := c.lines[path]; ok {
		return lines, nil
	}
	if err, ok := c.errs[path]; ok {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		c.errs[path] = err
		if c.logger != nil {
			c.logger.Printf("randomFromFile: %v", err)
		}
		return nil, err
	}
	var lines []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	c.lines[path] = lines
	return lines, nil
}
