// Package publish copies build artifacts to a destination reachable by the
// lab hosts and generates the URLs under which they are served.
package publish

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"
)

// Publisher copies one artifact to its destination and returns the URL it
// will be served from.
type Publisher interface {
	Publish(ctx context.Context, source string) (string, error)
}

// publishedURL joins the base URL with the artifact basename; destinations
// serve artifacts flat.
func publishedURL(baseURL, source string) string {
	return strings.TrimRight(baseURL, "/") + "/" + filepath.Base(source)
}

// CpPublisher copies artifacts into a local (or mounted) directory.
type CpPublisher struct {
	Destination string
	BaseURL     string
}

func (p *CpPublisher) Publish(ctx context.Context, source string) (string, error) {
	data, err := os.ReadFile(source)
	if err != nil {
		return "", fmt.Errorf("read artifact: %w", err)
	}
	dest := filepath.Join(p.Destination, filepath.Base(source))
	if err := os.WriteFile(dest, data, 0644); err != nil {
		return "", fmt.Errorf("copy artifact to %s: %w", dest, err)
	}
	return publishedURL(p.BaseURL, source), nil
}

// ScpPublisher copies artifacts to a remote host over scp.
type ScpPublisher struct {
	Destination string
	BaseURL     string
}

func (p *ScpPublisher) Publish(ctx context.Context, source string) (string, error) {
	cmd := exec.CommandContext(ctx, "scp", source, p.Destination)
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("scp %s to %s: %w (%s)",
			source, p.Destination, err, strings.TrimSpace(string(out)))
	}
	return publishedURL(p.BaseURL, source), nil
}

// New creates a publisher by type name: "cp", "scp" or "s3". For s3 the
// destination is "bucket/prefix".
func New(ctx context.Context, ptype, destination, baseURL string, logger *zap.Logger) (Publisher, error) {
	switch ptype {
	case "cp":
		return &CpPublisher{Destination: destination, BaseURL: baseURL}, nil
	case "scp":
		return &ScpPublisher{Destination: destination, BaseURL: baseURL}, nil
	case "s3":
		return NewS3Publisher(ctx, destination, baseURL, logger)
	default:
		return nil, fmt.Errorf("unknown publisher type: %s", ptype)
	}
}

// PublishGlob publishes every file under root matching the doublestar
// pattern and returns the published URLs in lexical match order.
func PublishGlob(ctx context.Context, p Publisher, root, pattern string, logger *zap.Logger) ([]string, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	matches, err := doublestar.Glob(os.DirFS(root), pattern)
	if err != nil {
		return nil, fmt.Errorf("bad artifact pattern %q: %w", pattern, err)
	}

	var urls []string
	for _, rel := range matches {
		source := filepath.Join(root, rel)
		info, err := os.Stat(source)
		if err != nil || info.IsDir() {
			continue
		}
		url, err := p.Publish(ctx, source)
		if err != nil {
			return urls, err
		}
		logger.Info("published artifact",
			zap.String("source", source), zap.String("url", url))
		urls = append(urls, url)
	}
	return urls, nil
}
