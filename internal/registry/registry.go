package registry

import (
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/awels/mcp-pdf-processor/internal/tools"
	"github.com/sirupsen/logrus"
)

var (
	// toolRegistry maps tool names to their implementations
	toolRegistry = make(map[string]tools.Tool)

	// disabledTools is the set of tool names excluded via DISABLED_TOOLS
	disabledTools = make(map[string]bool)

	// logger is the shared logger instance
	logger *logrus.Logger

	// cache is the shared per-process cache handed to every tool execution
	cache *sync.Map
)

// Init initialises the registry and the shared resources tools execute with.
// It must run before any tool is resolved; tool packages register themselves
// from init(), which may happen earlier, so registration does not depend on
// the logger being present.
func Init(l *logrus.Logger) {
	logger = l
	cache = &sync.Map{}

	parseDisabledTools()
}

// parseDisabledTools parses the DISABLED_TOOLS environment variable
// (comma-separated tool names)
func parseDisabledTools() {
	disabledTools = make(map[string]bool)

	disabledEnv := os.Getenv("DISABLED_TOOLS")
	if disabledEnv == "" {
		return
	}

	for _, name := range strings.Split(disabledEnv, ",") {
		name = normaliseToolName(name)
		if name == "" {
			continue
		}
		disabledTools[name] = true
		if logger != nil {
			logger.WithField("tool", name).Debug("Tool disabled via DISABLED_TOOLS")
		}
	}

	if logger != nil && len(disabledTools) > 0 {
		logger.WithField("count", len(disabledTools)).Debug("Parsed disabled tools from environment")
	}
}

// normaliseToolName lowercases a tool name and folds underscores to hyphens
// so DISABLED_TOOLS accepts either spelling (convert_pdf / convert-pdf).
func normaliseToolName(name string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(name), "_", "-"))
}

// IsToolDisabled reports whether a tool name is excluded via DISABLED_TOOLS
func IsToolDisabled(name string) bool {
	return disabledTools[normaliseToolName(name)]
}

// Register adds a tool implementation to the registry unless it is disabled.
// Called from tool package init() functions.
func Register(tool tools.Tool) {
	if toolRegistry == nil {
		toolRegistry = make(map[string]tools.Tool)
	}

	toolName := tool.Definition().Name

	if IsToolDisabled(toolName) {
		if logger != nil {
			logger.WithField("tool", toolName).Debug("Tool not registered (disabled)")
		}
		return
	}

	toolRegistry[toolName] = tool
	if logger != nil {
		logger.WithField("tool", toolName).Debug("Tool registered")
	}
}

// GetTool retrieves a tool by name
func GetTool(name string) (tools.Tool, bool) {
	if disabledTools[normaliseToolName(name)] {
		return nil, false
	}
	tool, ok := toolRegistry[name]
	return tool, ok
}

// GetTools returns all registered tools, excluding disabled ones
func GetTools() map[string]tools.Tool {
	filteredTools := make(map[string]tools.Tool)
	for name, tool := range toolRegistry {
		if disabledTools[normaliseToolName(name)] {
			continue
		}
		filteredTools[name] = tool
	}
	return filteredTools
}

// GetToolNames returns a sorted list of registered tool names
func GetToolNames() []string {
	var names []string
	for name := range GetTools() {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetToolNamesWithExtendedHelp returns a sorted list of tool names that
// implement ExtendedHelpProvider
func GetToolNamesWithExtendedHelp() []string {
	var names []string
	for name, tool := range GetTools() {
		if _, ok := tool.(tools.ExtendedHelpProvider); ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// GetLogger returns the shared logger instance
func GetLogger() *logrus.Logger {
	return logger
}

// GetCache returns the shared cache instance
func GetCache() *sync.Map {
	return cache
}
