// Package document parses the configuration artifacts attached to channels:
// environment sources, role definitions and tool configurations.
package document

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"gopkg.in/yaml.v3"

	"agentdock/internal/domain"
)

// DefaultCacheSize bounds the number of parsed documents kept in memory.
const DefaultCacheSize = 512

// Env is an environment source: plain variables plus the names of secrets
// stored alongside it.
type Env struct {
	Vars    map[string]string `yaml:"vars"`
	Secrets []string          `yaml:"secrets"`
}

// Role is an agent role definition. Title and Tools come from optional YAML
// front matter; Body is the markdown after it.
type Role struct {
	Title string   `yaml:"title"`
	Tools []string `yaml:"tools"`
	Body  string   `yaml:"-"`
}

// Tool is a tool-server configuration.
type Tool struct {
	Name      string                `yaml:"name"`
	Transport string                `yaml:"transport"`
	Command   string                `yaml:"command"`
	Args      []string              `yaml:"args"`
	URL       string                `yaml:"url"`
	Headers   map[string]string     `yaml:"headers"`
	Env       map[string]string     `yaml:"env"`
	OAuth     *domain.OAuthSettings `yaml:"oauth"`
}

// Parser parses documents and caches results by content digest, so an
// edited artifact is always re-parsed. Returned documents are shared
// between callers and must not be modified.
type Parser struct {
	cache *lru.Cache[string, any]
}

// NewParser creates a parser caching up to size documents.
func NewParser(size int) *Parser {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, _ := lru.New[string, any](size)
	return &Parser{cache: cache}
}

func cacheKey(kind domain.ArtifactKind, content string) string {
	sum := sha256.Sum256([]byte(content))
	return string(kind) + ":" + hex.EncodeToString(sum[:])
}

func cached[T any](p *Parser, kind domain.ArtifactKind, content string, parse func(string) (*T, error)) (*T, error) {
	key := cacheKey(kind, content)
	if v, ok := p.cache.Get(key); ok {
		return v.(*T), nil
	}
	doc, err := parse(content)
	if err != nil {
		return nil, domain.NewDomainError("document.parse", domain.ErrInvalidInput, fmt.Sprintf("%s: %v", kind, err))
	}
	p.cache.Add(key, doc)
	return doc, nil
}

// Env parses an environment source.
func (p *Parser) Env(content string) (*Env, error) {
	return cached(p, domain.ArtifactEnv, content, parseEnv)
}

// Role parses a role definition.
func (p *Parser) Role(content string) (*Role, error) {
	return cached(p, domain.ArtifactRole, content, parseRole)
}

// Tool parses and validates a tool configuration.
func (p *Parser) Tool(content string) (*Tool, error) {
	return cached(p, domain.ArtifactTool, content, parseTool)
}

func parseEnv(content string) (*Env, error) {
	var env Env
	if err := yaml.Unmarshal([]byte(content), &env); err != nil {
		return nil, err
	}
	return &env, nil
}

func parseRole(content string) (*Role, error) {
	front, body, ok := splitFrontMatter(content)
	if !ok {
		return &Role{Body: strings.TrimSpace(content)}, nil
	}
	var role Role
	if err := yaml.Unmarshal([]byte(front), &role); err != nil {
		return nil, fmt.Errorf("front matter: %w", err)
	}
	role.Body = strings.TrimSpace(body)
	return &role, nil
}

// splitFrontMatter separates a leading "---" delimited YAML block.
func splitFrontMatter(content string) (front, body string, ok bool) {
	trimmed := strings.TrimLeft(content, " \t\r\n")
	if !strings.HasPrefix(trimmed, "---") {
		return "", content, false
	}
	rest := strings.TrimPrefix(trimmed, "---")
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return "", content, false
	}
	body = rest[end+len("\n---"):]
	body = strings.TrimPrefix(strings.TrimPrefix(body, "\r"), "\n")
	return rest[:end], body, true
}

func parseTool(content string) (*Tool, error) {
	var raw map[string]any
	if err := yaml.Unmarshal([]byte(content), &raw); err != nil {
		return nil, err
	}
	if err := validateTool(raw); err != nil {
		return nil, err
	}
	var tool Tool
	if err := yaml.Unmarshal([]byte(content), &tool); err != nil {
		return nil, err
	}
	if tool.Transport == "" {
		tool.Transport = domain.TransportStdio
		if tool.URL != "" {
			tool.Transport = domain.TransportHTTP
		}
	}
	return &tool, nil
}
