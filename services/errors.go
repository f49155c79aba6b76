package services

import (
	"errors"
	"fmt"
	"strings"

	"pid-provider/models"
)

// Fachliche Fehler des PID-Providers. Sie betreffen immer nur ein XML und
// werden als Fehlerergebnis zurückgegeben.
var (
	ErrInvalidPid              = errors.New("invalid pid")
	ErrInvalidXML              = errors.New("invalid xml")
	ErrRequiredISSN            = errors.New("required print or electronic issn")
	ErrRequiredPublicationYear = errors.New("required issue or article publication year")
	ErrNotEnoughParameters     = errors.New("not enough parameters to identify the document")
	ErrRecordNotFound          = errors.New("pid provider record not found")
	ErrFetch                   = errors.New("unable to fetch xml")
	ErrNoVersion               = errors.New("no xml version available")
)

// PidConflictError meldet, dass eine PID des XMLs einem anderen Datensatz gehört.
type PidConflictError struct {
	Type    string
	Value   string
	OwnerV3 string
}

func (e *PidConflictError) Error() string {
	return fmt.Sprintf("%s %s is already registered for %s", e.Type, e.Value, e.OwnerV3)
}

// ForbiddenRegistrationError: ein AOP-XML darf einen VoR-Datensatz nicht überschreiben.
type ForbiddenRegistrationError struct {
	V3 string
}

func (e *ForbiddenRegistrationError) Error() string {
	return fmt.Sprintf("the xml is an ahead of print version but the document %s is already published in an issue", e.V3)
}

// MultipleObjectsError: die Suche lieferte mehr als einen Datensatz.
type MultipleObjectsError struct {
	Params string
	V3s    []string
}

func (e *MultipleObjectsError) Error() string {
	return fmt.Sprintf("found more than one document matching %s: %s", e.Params, strings.Join(e.V3s, ", "))
}

// Fehlertypen, wie sie in Fehlerantworten und BadRequests erscheinen.
const (
	TypeInvalidPid              = "InvalidPid"
	TypeInvalidXML              = "InvalidXML"
	TypePidV3Conflict           = "PidV3Conflict"
	TypePidV2Conflict           = "PidV2Conflict"
	TypeAopConflict             = "AopConflict"
	TypeForbiddenRegistration   = "ForbiddenRegistration"
	TypeRequiredISSN            = "RequiredISSNError"
	TypeRequiredPublicationYear = "RequiredPublicationYearError"
	TypeNotEnoughParameters     = "NotEnoughParametersError"
	TypeMultipleObjects         = "MultipleObjectsReturned"
	TypeRecordNotFound          = "RecordNotFound"
	TypeFetch                   = "FetchError"
	TypeNoVersion               = "NoVersionAvailable"
	TypeUnexpected              = "UnexpectedException"
)

// ErrorType ordnet err einem Fehlertyp zu; alles Unbekannte ist UnexpectedException.
func ErrorType(err error) string {
	var conflict *PidConflictError
	var forbidden *ForbiddenRegistrationError
	var multiple *MultipleObjectsError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &conflict):
		switch conflict.Type {
		case models.PidTypeV3:
			return TypePidV3Conflict
		case models.PidTypeV2:
			return TypePidV2Conflict
		default:
			return TypeAopConflict
		}
	case errors.As(err, &forbidden):
		return TypeForbiddenRegistration
	case errors.As(err, &multiple):
		return TypeMultipleObjects
	case errors.Is(err, ErrInvalidPid):
		return TypeInvalidPid
	case errors.Is(err, ErrInvalidXML):
		return TypeInvalidXML
	case errors.Is(err, ErrRequiredISSN):
		return TypeRequiredISSN
	case errors.Is(err, ErrRequiredPublicationYear):
		return TypeRequiredPublicationYear
	case errors.Is(err, ErrNotEnoughParameters):
		return TypeNotEnoughParameters
	case errors.Is(err, ErrRecordNotFound):
		return TypeRecordNotFound
	case errors.Is(err, ErrFetch):
		return TypeFetch
	case errors.Is(err, ErrNoVersion):
		return TypeNoVersion
	default:
		return TypeUnexpected
	}
}

// IsDomainError meldet, ob err eine fachliche Ablehnung ist.
func IsDomainError(err error) bool {
	t := ErrorType(err)
	return t != "" && t != TypeUnexpected
}
