package model

// LibraryTarget is where a custom library lands inside the container.
type LibraryTarget string

const (
	TargetNodeModule    LibraryTarget = "node_module"
	TargetJavaLib       LibraryTarget = "java_lib"
	TargetNativeLib     LibraryTarget = "native_lib"
	TargetNativeInclude LibraryTarget = "native_include"
	TargetPythonWheel   LibraryTarget = "python_wheel"
)

// CustomLibrary is a resolved caller-supplied binary artifact.
// The engine only consumes the bytes; the blob store owns the upload side.
type CustomLibrary struct {
	ProjectID int64
	Filename  string
	Content   []byte
	Target    LibraryTarget
}
