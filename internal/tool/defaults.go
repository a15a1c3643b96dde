package tool

// Argument structs for the built-in tool set. Validation tags are the
// declared schema: required fields, list cardinality and element checks.

// ReadFileArgs reads one file.
type ReadFileArgs struct {
	FilePath string `json:"file_path" validate:"required"`
}

// ListDirectoryArgs lists a directory.
type ListDirectoryArgs struct {
	Path string `json:"path" validate:"required"`
}

// SearchCodeArgs searches for a pattern, optionally scoped to paths.
type SearchCodeArgs struct {
	Pattern string   `json:"pattern" validate:"required"`
	Paths   []string `json:"paths,omitempty" validate:"omitempty,dive,required"`
}

// CompareImplementationsArgs compares two or more files.
type CompareImplementationsArgs struct {
	FilePaths []string `json:"file_paths" validate:"required,min=2,dive,required"`
}

// AnalyzeComplexityArgs measures complexity of the given files.
type AnalyzeComplexityArgs struct {
	FilePaths []string `json:"file_paths" validate:"required,min=1,dive,required"`
}

// DetectDeadCodeArgs scans files for unreachable code.
type DetectDeadCodeArgs struct {
	FilePaths []string `json:"file_paths" validate:"required,min=1,dive,required"`
}

// AnalyzeImportImpactArgs traces importers of a file.
type AnalyzeImportImpactArgs struct {
	FilePath string `json:"file_path" validate:"required"`
}

// CreateFileArgs writes a new file.
type CreateFileArgs struct {
	FilePath string `json:"file_path" validate:"required"`
	Content  string `json:"content" validate:"required"`
}

// StrReplaceArgs performs an in-place replacement.
type StrReplaceArgs struct {
	FilePath string `json:"file_path" validate:"required"`
	OldStr   string `json:"old_str" validate:"required"`
	NewStr   string `json:"new_str"`
}

// FullFileRewriteArgs replaces a file's entire content.
type FullFileRewriteArgs struct {
	FilePath string `json:"file_path" validate:"required"`
	Content  string `json:"content" validate:"required"`
}

// MergeImplementationsArgs merges duplicate implementations into a target.
type MergeImplementationsArgs struct {
	SourcePaths []string `json:"source_paths" validate:"required,min=2,dive,required"`
	TargetPath  string   `json:"target_path" validate:"required"`
}

// DeleteFileArgs removes files.
type DeleteFileArgs struct {
	FilePaths []string `json:"file_paths" validate:"required,min=1,dive,required"`
}

// MoveFileArgs relocates a file.
type MoveFileArgs struct {
	FromPath string `json:"from_path" validate:"required"`
	ToPath   string `json:"to_path" validate:"required"`
}

// CreateIssueReportArgs files an issue instead of resolving directly.
type CreateIssueReportArgs struct {
	Title    string   `json:"title" validate:"required"`
	Body     string   `json:"body" validate:"required"`
	Files    []string `json:"files,omitempty" validate:"omitempty,dive,required"`
	Severity string   `json:"severity" validate:"required,oneof=low medium high critical"`
}

// AskArgs requests operator guidance.
type AskArgs struct {
	Question string `json:"question" validate:"required"`
}

// DefaultRegistry declares the built-in tool set with its schemas.
func DefaultRegistry() *Registry {
	r := NewRegistry()

	r.Register("read_file", CategoryRead, func() any { return &ReadFileArgs{} })
	r.Register("list_directory", CategoryRead, func() any { return &ListDirectoryArgs{} })
	r.Register("search_code", CategoryRead, func() any { return &SearchCodeArgs{} })

	r.Register("compare_file_implementations", CategoryAnalysis, func() any { return &CompareImplementationsArgs{} })
	r.Register("analyze_complexity", CategoryAnalysis, func() any { return &AnalyzeComplexityArgs{} })
	r.Register("detect_dead_code", CategoryAnalysis, func() any { return &DetectDeadCodeArgs{} })
	r.Register("analyze_import_impact", CategoryAnalysis, func() any { return &AnalyzeImportImpactArgs{} })

	r.Register("create_file", CategoryResolving, func() any { return &CreateFileArgs{} })
	r.Register("str_replace", CategoryResolving, func() any { return &StrReplaceArgs{} })
	r.Register("full_file_rewrite", CategoryResolving, func() any { return &FullFileRewriteArgs{} })
	r.Register("merge_file_implementations", CategoryResolving, func() any { return &MergeImplementationsArgs{} })
	r.Register("cleanup_redundant_files", CategoryResolving, func() any { return &DeleteFileArgs{} })
	r.Register("move_file", CategoryResolving, func() any { return &MoveFileArgs{} })
	r.Register("create_issue_report", CategoryResolving, func() any { return &CreateIssueReportArgs{} })

	r.Register("ask", CategoryControl, func() any { return &AskArgs{} })

	return r
}
