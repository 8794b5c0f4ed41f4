package domain

// Artifact is the parsed form of a Markdown service definition. The
// orchestration core never reads Markdown itself; an ArtifactParser
// adapter produces this structure.
type Artifact struct {
	Title string
	Files []ArtifactFile
	Deps  []string
	Run   string
	Tests []ArtifactTest
}

// ArtifactFile is one file to materialize into a sandbox, byte-exact.
type ArtifactFile struct {
	Path    string
	Content []byte
}

// ArtifactTest is one declared HTTP check against a running service.
type ArtifactTest struct {
	Method       string
	Path         string
	Body         string
	ExpectStatus int
}
