package catalog

import (
	"github.com/hysios/catalog/descriptor"
	"github.com/hysios/catalog/dispatch"
	"github.com/hysios/catalog/resolver"
	"github.com/pkg/errors"
)

type (
	InvalidDescriptorError  = descriptor.InvalidDescriptorError
	ResolutionError         = resolver.ResolutionError
	ServiceUnavailableError = dispatch.ServiceUnavailableError
)

var (
	ErrInvalidPattern = errors.New("invalid pattern")
	ErrClosed         = errors.New("catalog closed")
	ErrStarted        = errors.New("catalog already started")
	ErrClientNotFound = errors.New("client not registered")
)
