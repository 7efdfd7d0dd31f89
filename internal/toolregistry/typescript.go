package toolregistry

import (
	"fmt"
	"sort"
	"strings"
)

// Signature renders the one-line call signature of a tool as the sandbox
// sees it, e.g. "api.crm.users.get(args: { id: string }): Promise<any>".
func Signature(tool *Tool) string {
	return fmt.Sprintf("%s(%s): Promise<any>", FunctionName(tool.Name), argsSignature(tool.InputSchema))
}

func argsSignature(schema map[string]any) string {
	if schema == nil {
		return "args?: Record<string, any>"
	}
	props, ok := schema["properties"].(map[string]any)
	if !ok || len(props) == 0 {
		return "args?: Record<string, any>"
	}
	required := map[string]bool{}
	if list, ok := schema["required"].([]any); ok {
		for _, item := range list {
			if name, ok := item.(string); ok {
				required[name] = true
			}
		}
	}
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)
	fields := make([]string, 0, len(names))
	for _, name := range names {
		optional := ""
		if !required[name] {
			optional = "?"
		}
		fields = append(fields, fmt.Sprintf("%s%s: %s", name, optional, tsType(props[name])))
	}
	return "args: { " + strings.Join(fields, "; ") + " }"
}

func tsType(prop any) string {
	spec, ok := prop.(map[string]any)
	if !ok {
		return "any"
	}
	switch spec["type"] {
	case "string":
		return "string"
	case "number", "integer":
		return "number"
	case "boolean":
		return "boolean"
	case "array":
		if items, ok := spec["items"].(map[string]any); ok {
			return tsType(items) + "[]"
		}
		return "any[]"
	case "object":
		return "Record<string, any>"
	default:
		return "any"
	}
}

// RenderDefinitions produces the TypeScript declaration tree served by
// /api/definitions. Programs never consume this at runtime; it exists so
// an LLM writing against the API sees accurate, typed surface area.
func RenderDefinitions(r *Registry) string {
	var b strings.Builder
	b.WriteString("declare namespace api {\n")
	renderNamespace(&b, r, "", 1)
	b.WriteString("}\n")
	return b.String()
}

func renderNamespace(b *strings.Builder, r *Registry, path string, depth int) {
	entries, err := r.Explore(path)
	if err != nil {
		return
	}
	indent := strings.Repeat("  ", depth)
	for _, entry := range entries {
		child := entry.Name
		if path != "" {
			child = path + "/" + entry.Name
		}
		if entry.Kind == "group" {
			fmt.Fprintf(b, "%snamespace %s {\n", indent, entry.Name)
			renderNamespace(b, r, child, depth+1)
			fmt.Fprintf(b, "%s}\n", indent)
			continue
		}
		tool, ok := r.Resolve(entry.ToolPath)
		if !ok {
			continue
		}
		if tool.Metadata.Description != "" {
			fmt.Fprintf(b, "%s/** %s */\n", indent, tool.Metadata.Description)
		}
		fmt.Fprintf(b, "%sfunction %s(%s): Promise<any>;\n", indent, lastSegment(tool.Name), argsSignature(tool.InputSchema))
	}
}

func lastSegment(name string) string {
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		return name[i+1:]
	}
	return name
}
