package domain

import "time"

// Problem is a coding exercise owned by the judge service.
type Problem struct {
	ID          string
	Title       string
	Description string
}

// Submission is one judged run of a user's code against a problem.
type Submission struct {
	ID           string
	ProblemID    string
	Owner        string
	Src          string
	Lang         string
	Err          string
	ErrorReason  string
	TotalCount   int
	SuccessCount int
	CreatedAt    time.Time
}

// ResultCode is the judge verdict for one test case.
type ResultCode int

const (
	ResultWrongAnswer           ResultCode = -1
	ResultSuccess               ResultCode = 0
	ResultCPUTimeLimitExceeded  ResultCode = 1
	ResultRealTimeLimitExceeded ResultCode = 2
	ResultMemoryLimitExceeded   ResultCode = 3
	ResultRuntimeError          ResultCode = 4
	ResultSystemError           ResultCode = 5
)

// TestCaseResult is the outcome of a submission on one test case.
type TestCaseResult struct {
	Ordinal  int
	Result   ResultCode
	Input    string
	Expected string
	Output   string
	Status   string
	Message  string
}

// PDF is an uploaded reading.
type PDF struct {
	ID    string
	Title string
}

// Section is an outline entry of a PDF.
type Section struct {
	ID          string
	PDFID       string
	Title       string
	Description string
	StartPage   int
	EndPage     int
}

// Page is the extracted text of one PDF page.
type Page struct {
	ID      string
	PDFID   string
	Number  int
	Content string
}
