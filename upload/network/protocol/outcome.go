package protocol

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"net/http"
	"strings"
)

const maxFailureMessageLength = 512

// Outcome is the typed result of a storage response: Success, Failure or Malformed.
type Outcome interface {
	outcome()
}

// Success carries whatever payload the action's response document held.
type Success struct {
	UploadID string
	Bucket   string
	Key      string
	Location string
	ETag     string
	Parts    []PartResult
}

// Failure is a structured {code, message} error document.
type Failure struct {
	Code    string
	Message string
}

// Malformed means the body could not be read as the document the action expects.
type Malformed struct {
	Reason string
}

func (Success) outcome()   {}
func (Failure) outcome()   {}
func (Malformed) outcome() {}

// document is a union of every root element the storage service answers with.
type document struct {
	XMLName  xml.Name
	UploadID string       `xml:"UploadId"`
	Bucket   string       `xml:"Bucket"`
	Key      string       `xml:"Key"`
	Location string       `xml:"Location"`
	ETag     string       `xml:"ETag"`
	Parts    []PartResult `xml:"Part"`
	Code     string       `xml:"Code"`
	Message  string       `xml:"Message"`
}

type completeMultipartUpload struct {
	XMLName xml.Name     `xml:"CompleteMultipartUpload"`
	Parts   []PartResult `xml:"Part"`
}

func decode(body []byte) (document, error) {
	var doc document
	if len(bytes.TrimSpace(body)) == 0 {
		return doc, fmt.Errorf("empty body")
	}
	if err := xml.Unmarshal(body, &doc); err != nil {
		return doc, err
	}
	return doc, nil
}

func (d document) failure() Failure {
	return Failure{Code: d.Code, Message: d.Message}
}

// ParseCreate reads an InitiateMultipartUploadResult and extracts the session id.
func ParseCreate(body []byte) Outcome {
	doc, err := decode(body)
	if err != nil {
		return Malformed{Reason: err.Error()}
	}

	switch doc.XMLName.Local {
	case "Error":
		return doc.failure()
	case "InitiateMultipartUploadResult":
		if doc.UploadID == "" {
			return Malformed{Reason: "missing UploadId"}
		}
		return Success{UploadID: doc.UploadID, Bucket: doc.Bucket, Key: doc.Key}
	default:
		return Malformed{Reason: fmt.Sprintf("unexpected document %q", doc.XMLName.Local)}
	}
}

// ParseComplete reads the completion response. A 2xx completion can still carry an Error document,
// so the body is always inspected.
func ParseComplete(body []byte) Outcome {
	doc, err := decode(body)
	if err != nil {
		return Malformed{Reason: err.Error()}
	}

	switch doc.XMLName.Local {
	case "Error":
		return doc.failure()
	case "CompleteMultipartUploadResult":
		return Success{Bucket: doc.Bucket, Key: doc.Key, Location: doc.Location, ETag: doc.ETag}
	default:
		return Malformed{Reason: fmt.Sprintf("unexpected document %q", doc.XMLName.Local)}
	}
}

// ParseListParts reads a ListPartsResult.
func ParseListParts(body []byte) Outcome {
	doc, err := decode(body)
	if err != nil {
		return Malformed{Reason: err.Error()}
	}

	switch doc.XMLName.Local {
	case "Error":
		return doc.failure()
	case "ListPartsResult":
		return Success{UploadID: doc.UploadID, Bucket: doc.Bucket, Key: doc.Key, Parts: SortParts(doc.Parts)}
	default:
		return Malformed{Reason: fmt.Sprintf("unexpected document %q", doc.XMLName.Local)}
	}
}

// ParseFailure reads the body of a non-2xx response. It always yields a Failure: when the body is
// not an Error document the status text and the raw body stand in for code and message.
func ParseFailure(statusCode int, body []byte) Failure {
	doc, err := decode(body)
	if err == nil && doc.XMLName.Local == "Error" && (doc.Code != "" || doc.Message != "") {
		return doc.failure()
	}

	message := strings.TrimSpace(string(body))
	if len(message) > maxFailureMessageLength {
		message = message[:maxFailureMessageLength]
	}
	if message == "" {
		message = http.StatusText(statusCode)
	}
	return Failure{
		Code:    strings.ReplaceAll(http.StatusText(statusCode), " ", ""),
		Message: message,
	}
}

// AsError maps an outcome to the error the engine raises for it; Success maps to nil.
func AsError(action Action, statusCode int, outcome Outcome) error {
	switch o := outcome.(type) {
	case Success:
		return nil
	case Failure:
		return &ProtocolError{Action: action, StatusCode: statusCode, Code: o.Code, Message: o.Message}
	case Malformed:
		return &MalformedResponseError{Action: action, Reason: o.Reason}
	default:
		return &MalformedResponseError{Action: action, Reason: fmt.Sprintf("unknown outcome %T", outcome)}
	}
}

// RenderCompletion renders the CompleteMultipartUpload document for parts, sorted by part number.
func RenderCompletion(parts []PartResult) ([]byte, error) {
	body, err := xml.Marshal(completeMultipartUpload{Parts: SortParts(parts)})
	if err != nil {
		return nil, fmt.Errorf("render completion document: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}
