package puml

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/browser"
)

// Renderer defaults
const (
	DefaultBaseURL = "http://www.plantuml.com/plantuml/svg/"
	DefaultDir     = "build/puml"

	// SVGName is the file the rendered image is written to.
	SVGName = "states.svg"
)

// maxSVGSize bounds a server response.
const maxSVGSize = 16 << 20

// Renderer writes diagrams to Dir and renders them through BaseURL.
type Renderer struct {
	BaseURL string
	Dir     string
	Client  *http.Client

	// open is swapped in tests.
	open func(path string) error
}

// NewRenderer returns a Renderer with the default server and directory.
func NewRenderer() *Renderer {
	return &Renderer{
		BaseURL: DefaultBaseURL,
		Dir:     DefaultDir,
		Client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Render writes text to Dir/filename, fetches the svg, and writes it to
// Dir/states.svg. It returns the svg path. With autoOpen the svg is opened
// in the default browser.
func (r *Renderer) Render(ctx context.Context, text, filename string, autoOpen bool) (string, error) {
	dir := r.Dir
	if dir == "" {
		dir = DefaultDir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", dir, err)
	}
	if err := os.WriteFile(filepath.Join(dir, filename), []byte(text), 0o644); err != nil {
		return "", fmt.Errorf("failed to write diagram: %w", err)
	}

	svg, err := r.fetch(ctx, text)
	if err != nil {
		return "", err
	}
	svgPath := filepath.Join(dir, SVGName)
	if err := os.WriteFile(svgPath, svg, 0o644); err != nil {
		return "", fmt.Errorf("failed to write svg: %w", err)
	}

	if autoOpen {
		open := r.open
		if open == nil {
			open = browser.OpenFile
		}
		if err := open(svgPath); err != nil {
			return svgPath, fmt.Errorf("failed to open %s: %w", svgPath, err)
		}
	}
	return svgPath, nil
}

func (r *Renderer) fetch(ctx context.Context, text string) ([]byte, error) {
	encoded, err := Encode(text)
	if err != nil {
		return nil, err
	}
	base := r.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+encoded, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to render diagram: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSVGSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read svg: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("plantuml server returned %s", resp.Status)
	}
	return body, nil
}
