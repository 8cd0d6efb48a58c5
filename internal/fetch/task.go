package fetch

// FileTask identifies one remote file by its path relative to the mirror
// root. RelPath is the task's identity for the whole sync run and doubles
// as the destination path under the local mirror root.
type FileTask struct {
	RelPath string
	Size    int64 // hint from the size probe; 0 when unknown
}
