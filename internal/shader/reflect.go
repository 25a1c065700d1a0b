package shader

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	locationRe = regexp.MustCompile(`@location\((\d+)\)\s+(\w+)\s*:`)
	bindingRe  = regexp.MustCompile(`@group\(\d+\)\s*@binding\((\d+)\)\s*var(?:<[^>]*>)?\s+(\w+)\s*:`)
)

// reflectBindings extracts the vertex attribute locations from the vs_main
// parameter list and the resource bindings declared at module scope.
func reflectBindings(src string) (attributes, uniforms map[string]int, err error) {
	start := strings.Index(src, "fn vs_main(")
	if start < 0 {
		return nil, nil, fmt.Errorf("shader: reflect: no vs_main entry point")
	}
	params := src[start+len("fn vs_main("):]
	end := strings.Index(params, "->")
	if end < 0 {
		return nil, nil, fmt.Errorf("shader: reflect: vs_main has no return type")
	}
	params = params[:end]

	attributes = make(map[string]int)
	for _, m := range locationRe.FindAllStringSubmatch(params, -1) {
		loc, _ := strconv.Atoi(m[1])
		attributes[m[2]] = loc
	}

	uniforms = make(map[string]int)
	for _, m := range bindingRe.FindAllStringSubmatch(src, -1) {
		loc, _ := strconv.Atoi(m[1])
		uniforms[m[2]] = loc
	}
	return attributes, uniforms, nil
}
