package model

// FileRole distinguishes the designated entry file from supporting files.
type FileRole string

const (
	RoleEntry   FileRole = "entry"
	RoleSupport FileRole = "support"
)

// ProjectFile is one file of the submitted workspace.
// Path is relative POSIX and must stay inside the workspace root.
type ProjectFile struct {
	Path    string
	Content []byte
	Role    FileRole
}

// LibraryRef identifies a caller-supplied binary library in the project store.
type LibraryRef struct {
	ProjectID int64  `json:"project_id"`
	Filename  string `json:"filename"`
}

// StartRequest describes one execution to run.
// Either Code (single file, profile entry name) or Files+MainFile is set.
type StartRequest struct {
	SessionID       string
	Language        string
	Files           []ProjectFile
	EntryFile       string
	Dependencies    map[string]string
	CustomLibraries []LibraryRef
}
