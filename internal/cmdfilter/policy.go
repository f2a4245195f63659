package cmdfilter

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Policy is the data driving the filter and the synchronizer's exclusions.
type Policy struct {
	// MutatingVerbs are command names that touch the filesystem.
	MutatingVerbs []string `yaml:"mutating_verbs"`
	// CommandPrefixes are wrappers skipped when finding a segment's verb.
	CommandPrefixes []string `yaml:"command_prefixes"`
	// SyncExclude names entries the synchronizer never records.
	SyncExclude []string `yaml:"sync_exclude"`
	// Warning is written to the terminal when a line is blocked.
	Warning string `yaml:"warning"`
}

func DefaultPolicy() *Policy {
	return &Policy{
		MutatingVerbs: []string{
			// remove
			"rm", "rmdir", "unlink", "shred", "truncate",
			// move / copy / link
			"mv", "cp", "ln", "rsync", "install", "dd", "tar", "unzip",
			// permissions and ownership
			"chmod", "chown", "chgrp", "setfacl",
			// create / write
			"touch", "mkdir", "tee", "sed",
			// read
			"cat", "less", "more", "head", "tail", "strings", "xxd", "od",
			// editors
			"vi", "vim", "nvim", "nano", "emacs", "ed", "pico",
		},
		CommandPrefixes: []string{"sudo", "env", "command", "nohup", "time", "nice", "exec"},
		SyncExclude:     []string{".git", "node_modules", ".bashrc"},
		Warning:         "Command blocked: operations outside your workspace are not allowed",
	}
}

// LoadPolicy reads a YAML policy from path. Empty fields fall back to the
// defaults; sync_exclude entries extend the default exclusion set.
func LoadPolicy(path string) (*Policy, error) {
	p := DefaultPolicy()
	if path == "" {
		return p, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy %s: %w", path, err)
	}
	var file Policy
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse policy %s: %w", path, err)
	}

	if len(file.MutatingVerbs) > 0 {
		p.MutatingVerbs = file.MutatingVerbs
	}
	if len(file.CommandPrefixes) > 0 {
		p.CommandPrefixes = file.CommandPrefixes
	}
	if file.Warning != "" {
		p.Warning = file.Warning
	}
	p.SyncExclude = appendUnique(p.SyncExclude, file.SyncExclude...)
	return p, nil
}

func appendUnique(dst []string, vals ...string) []string {
	seen := make(map[string]bool, len(dst))
	for _, v := range dst {
		seen[v] = true
	}
	for _, v := range vals {
		if v != "" && !seen[v] {
			seen[v] = true
			dst = append(dst, v)
		}
	}
	return dst
}
