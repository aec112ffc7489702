/*
Copyright The Crucible Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package langs holds the closed table of supported languages. The set of
// accepted language codes is fixed; adding a language means adding a row
// here and shipping a runtime image for it.
package langs

import "sort"

// Template describes how one language is provisioned and executed.
type Template struct {
	// Code is the wire identifier clients send as "lang".
	Code string
	// Image is the runtime image name, joined with the registry prefix.
	Image string
	// Ext is the source file extension the agent writes code to.
	Ext string
	// Runner produces the argv that executes the given source file.
	// Compiled languages compile and run inside one shell invocation.
	Runner func(srcFile string) []string
	// Stateful marks languages whose interpreter namespace persists
	// across executions in a session. Only Python today.
	Stateful bool
}

var table = map[string]Template{
	"py": {
		Code: "py", Image: "crucible-runtime-python", Ext: ".py",
		Runner:   func(f string) []string { return []string{"python3", f} },
		Stateful: true,
	},
	"js": {
		Code: "js", Image: "crucible-runtime-node", Ext: ".js",
		Runner: func(f string) []string { return []string{"node", f} },
	},
	"ts": {
		Code: "ts", Image: "crucible-runtime-node", Ext: ".ts",
		Runner: func(f string) []string { return []string{"npx", "tsx", f} },
	},
	"go": {
		Code: "go", Image: "crucible-runtime-go", Ext: ".go",
		Runner: func(f string) []string { return []string{"go", "run", f} },
	},
	"java": {
		Code: "java", Image: "crucible-runtime-java", Ext: ".java",
		Runner: func(f string) []string { return []string{"java", f} },
	},
	"c": {
		Code: "c", Image: "crucible-runtime-gcc", Ext: ".c",
		Runner: func(f string) []string {
			return []string{"sh", "-c", "gcc -O2 -o /tmp/a.out " + f + " && /tmp/a.out"}
		},
	},
	"cpp": {
		Code: "cpp", Image: "crucible-runtime-gcc", Ext: ".cpp",
		Runner: func(f string) []string {
			return []string{"sh", "-c", "g++ -O2 -o /tmp/a.out " + f + " && /tmp/a.out"}
		},
	},
	"rs": {
		Code: "rs", Image: "crucible-runtime-rust", Ext: ".rs",
		Runner: func(f string) []string {
			return []string{"sh", "-c", "rustc -O -o /tmp/a.out " + f + " && /tmp/a.out"}
		},
	},
	"php": {
		Code: "php", Image: "crucible-runtime-php", Ext: ".php",
		Runner: func(f string) []string { return []string{"php", f} },
	},
	"r": {
		Code: "r", Image: "crucible-runtime-r", Ext: ".R",
		Runner: func(f string) []string { return []string{"Rscript", f} },
	},
	"f90": {
		Code: "f90", Image: "crucible-runtime-gcc", Ext: ".f90",
		Runner: func(f string) []string {
			return []string{"sh", "-c", "gfortran -O2 -o /tmp/a.out " + f + " && /tmp/a.out"}
		},
	},
	"d": {
		Code: "d", Image: "crucible-runtime-dlang", Ext: ".d",
		Runner: func(f string) []string {
			return []string{"sh", "-c", "dmd -of=/tmp/a.out " + f + " && /tmp/a.out"}
		},
	},
}

// Lookup returns the template for the given language code.
func Lookup(code string) (Template, bool) {
	t, ok := table[code]
	return t, ok
}

// IsSupported reports whether code is in the closed language set.
func IsSupported(code string) bool {
	_, ok := table[code]
	return ok
}

// IsStateful reports whether the language carries interpreter state
// between executions in a session.
func IsStateful(code string) bool {
	return table[code].Stateful
}

// Supported returns the sorted list of accepted language codes.
func Supported() []string {
	out := make([]string, 0, len(table))
	for code := range table {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}
