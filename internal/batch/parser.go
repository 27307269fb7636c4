package batch

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

type Operation string

const (
	OpBackground Operation = "background"
	OpModel      Operation = "model"
	OpResize     Operation = "resize"
	OpEdit       Operation = "edit"
)

func (o Operation) IsValid() bool {
	switch o {
	case OpBackground, OpModel, OpResize, OpEdit:
		return true
	}
	return false
}

// Job is one image and what to do with it. Empty fields fall back to the
// run's Options.
type Job struct {
	Index     int       `json:"-" yaml:"-"`
	Image     string    `json:"image" yaml:"image"`
	Op        Operation `json:"op,omitempty" yaml:"op,omitempty"`
	Preset    string    `json:"preset,omitempty" yaml:"preset,omitempty"`
	Prompt    string    `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	Size      string    `json:"size,omitempty" yaml:"size,omitempty"`
	Recompose bool      `json:"recompose,omitempty" yaml:"recompose,omitempty"`
	Model     string    `json:"model,omitempty" yaml:"model,omitempty"`
}

// ParseFile reads jobs from a .txt list of image paths, or a .json or .yaml
// list of jobs. Relative image paths are resolved against the file's
// directory.
func ParseFile(path string) ([]Job, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	var jobs []Job
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		jobs, err = ParseJSON(file)
	case ".yaml", ".yml":
		jobs, err = ParseYAML(file)
	case ".txt", "":
		jobs, err = ParseText(file)
	default:
		return nil, fmt.Errorf("unsupported file format %q: use .txt, .json or .yaml", ext)
	}
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(path)
	for i := range jobs {
		if !isRemote(jobs[i].Image) && !filepath.IsAbs(jobs[i].Image) {
			jobs[i].Image = filepath.Join(dir, jobs[i].Image)
		}
	}
	return jobs, nil
}

func ParseText(r io.Reader) ([]Job, error) {
	var jobs []Job
	scanner := bufio.NewScanner(r)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		jobs = append(jobs, Job{Index: len(jobs) + 1, Image: line})
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	if len(jobs) == 0 {
		return nil, fmt.Errorf("no images found in file")
	}
	return jobs, nil
}

func ParseJSON(r io.Reader) ([]Job, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	var jobs []Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	return number(jobs)
}

func ParseYAML(r io.Reader) ([]Job, error) {
	var jobs []Job
	if err := yaml.NewDecoder(r).Decode(&jobs); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("no images found in file")
		}
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return number(jobs)
}

func number(jobs []Job) ([]Job, error) {
	if len(jobs) == 0 {
		return nil, fmt.Errorf("no images found in file")
	}
	for i := range jobs {
		if strings.TrimSpace(jobs[i].Image) == "" {
			return nil, fmt.Errorf("job %d has no image", i+1)
		}
		if jobs[i].Op != "" && !jobs[i].Op.IsValid() {
			return nil, fmt.Errorf("job %d: unknown op %q", i+1, jobs[i].Op)
		}
		jobs[i].Index = i + 1
	}
	return jobs, nil
}

func isRemote(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") || strings.HasPrefix(s, "data:")
}
