package prompt

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/template"

	"go.uber.org/zap"
)

// Registry 提示词注册表。内置默认模板，prompts/ 目录下的同名 .md 文件
// 在 Load 时覆盖默认值（运维无需重新编译即可调提示词）。
type Registry struct {
	mu        sync.RWMutex
	templates map[string]*template.Template
	logger    *zap.Logger
}

// NewRegistry 创建注册表并装入内置模板
func NewRegistry(logger *zap.Logger) *Registry {
	r := &Registry{
		templates: make(map[string]*template.Template),
		logger:    logger.With(zap.String("component", "prompt-registry")),
	}
	builtins := map[string]string{
		NameBoundary: boundaryTemplate,
		NameMemCell:  memcellTemplate,
		NameEpisode:  episodeTemplate,
		NameJudge:    judgeTemplate,
	}
	for name, text := range builtins {
		// 内置模板解析失败属于编程错误，直接 panic
		r.templates[name] = template.Must(template.New(name).Parse(text))
	}
	return r
}

// LoadOverrides 从目录装载覆盖模板（<name>.md）。目录不存在时静默跳过，
// 单个文件解析失败只记日志、保留内置版本。
func (r *Registry) LoadOverrides(dir string) {
	if dir == "" {
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".md") {
			continue
		}
		name := strings.TrimSuffix(ent.Name(), ".md")
		if _, known := r.templates[name]; !known {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, ent.Name()))
		if err != nil {
			r.logger.Warn("Failed to read prompt override", zap.String("name", name), zap.Error(err))
			continue
		}
		tmpl, err := template.New(name).Parse(string(data))
		if err != nil {
			r.logger.Warn("Invalid prompt override, keeping builtin",
				zap.String("name", name), zap.Error(err))
			continue
		}

		r.mu.Lock()
		r.templates[name] = tmpl
		r.mu.Unlock()
		r.logger.Info("Prompt override loaded", zap.String("name", name))
	}
}

// Render 渲染指定模板
func (r *Registry) Render(name string, data any) (string, error) {
	r.mu.RLock()
	tmpl, ok := r.templates[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("unknown prompt template %q", name)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render prompt %q: %w", name, err)
	}
	return buf.String(), nil
}
