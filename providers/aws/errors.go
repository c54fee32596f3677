package aws

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aws/smithy-go"
)

var (
	ErrUnknownType = fmt.Errorf("unknown resource type")
	ErrDecode      = fmt.Errorf("failed to decode resource document")
	ErrNilID       = fmt.Errorf("received no error from create, but the returned ID was nil")
)

// isNotFound reports whether err is an AWS error for a resource that does
// not exist.
func isNotFound(err error) bool {
	var ae smithy.APIError
	if !errors.As(err, &ae) {
		return false
	}
	code := ae.ErrorCode()
	switch {
	case strings.HasSuffix(code, ".NotFound"):
		return true
	case code == "NoSuchEntity", code == "ResourceNotFoundException", code == "NotFoundException",
		code == "ParameterNotFound", code == "NoSuchHostedZone":
		return true
	case code == "InvalidChangeBatch" && strings.Contains(ae.ErrorMessage(), "not found"):
		return true
	}
	return false
}

// isAlreadyExists reports whether err is an AWS error for a duplicate
// resource or association.
func isAlreadyExists(err error) bool {
	var ae smithy.APIError
	if !errors.As(err, &ae) {
		return false
	}
	code := ae.ErrorCode()
	return strings.HasSuffix(code, ".Duplicate") || code == "EntityAlreadyExists" ||
		code == "ResourceAlreadyExistsException" || code == "RouteAlreadyExists"
}
