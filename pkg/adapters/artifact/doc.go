// Package artifact parses annotated Markdown service definitions.
//
// A service README declares its files, dependencies, run command and
// HTTP checks in fenced code blocks whose info string carries a
// pactown: annotation. The orchestration core consumes the parsed
// artifact and never sees Markdown.
package artifact
