// Package dlerrors defines the tagged error kinds raised by the store and
// sync subsystem. Each kind is a distinct Go type rather than a shared
// sentinel, so callers can recover the offending key/hash with errors.As.
package dlerrors

import (
	"github.com/cockroachdb/errors"
	"github.com/merkledl/datalayer/treehash"
)

// KeyNotFoundError is raised by a lookup or delete that misses.
type KeyNotFoundError struct {
	Key []byte
}

func (e *KeyNotFoundError) Error() string {
	return errors.Newf("key not found: %x", e.Key).Error()
}

func NewKeyNotFound(key []byte) error {
	return errors.WithStack(&KeyNotFoundError{Key: key})
}

// KeyAlreadyPresentError is raised by insert into an existing key.
type KeyAlreadyPresentError struct {
	Key []byte
}

func (e *KeyAlreadyPresentError) Error() string {
	return errors.Newf("key already present: %x", e.Key).Error()
}

func NewKeyAlreadyPresent(key []byte) error {
	return errors.WithStack(&KeyAlreadyPresentError{Key: key})
}

// InvalidReferenceError is raised when an insert's reference hash does not
// name a terminal node (either missing or an internal node).
type InvalidReferenceError struct {
	RefHash treehash.Hash
}

func (e *InvalidReferenceError) Error() string {
	return errors.Newf("reference node %s is not a terminal", e.RefHash).Error()
}

func NewInvalidReference(refHash treehash.Hash) error {
	return errors.WithStack(&InvalidReferenceError{RefHash: refHash})
}

// UnknownRootError is raised when a diff or file parse references a root
// hash not present in the node store.
type UnknownRootError struct {
	Hash treehash.Hash
}

func (e *UnknownRootError) Error() string {
	return errors.Newf("unknown root: %s", e.Hash).Error()
}

func NewUnknownRoot(hash treehash.Hash) error {
	return errors.WithStack(&UnknownRootError{Hash: hash})
}

// RootHashMismatchError is raised when a delta-file parse produces a root
// different from the one it was advertised under.
type RootHashMismatchError struct {
	Expected treehash.Hash
	Got      treehash.Hash
}

func (e *RootHashMismatchError) Error() string {
	return errors.Newf("root hash mismatch: expected %s, got %s", e.Expected, e.Got).Error()
}

func NewRootHashMismatch(expected, got treehash.Hash) error {
	return errors.WithStack(&RootHashMismatchError{Expected: expected, Got: got})
}

// IntegrityErrorKind enumerates the self-check rule that failed.
type IntegrityErrorKind int

const (
	IntegrityInternalKeyValue IntegrityErrorKind = iota
	IntegrityInternalLeftRightNotHash
	IntegrityTerminalLeftRight
	IntegrityGenerationsNotIncrementing
	IntegrityNodeHash
)

func (k IntegrityErrorKind) String() string {
	switch k {
	case IntegrityInternalKeyValue:
		return "internal-key-value"
	case IntegrityInternalLeftRightNotHash:
		return "internal-left-right-not-hash"
	case IntegrityTerminalLeftRight:
		return "terminal-left-right"
	case IntegrityGenerationsNotIncrementing:
		return "generations-not-incrementing"
	case IntegrityNodeHash:
		return "node-hash"
	default:
		return "unknown"
	}
}

// IntegrityError reports one self-check rule failing against a set of
// offending node hashes.
type IntegrityError struct {
	Kind   IntegrityErrorKind
	Hashes []treehash.Hash
}

func (e *IntegrityError) Error() string {
	return errors.Newf("integrity check %s failed for %d node(s)", e.Kind, len(e.Hashes)).Error()
}

func NewIntegrityError(kind IntegrityErrorKind, hashes []treehash.Hash) error {
	return errors.WithStack(&IntegrityError{Kind: kind, Hashes: hashes})
}

// TreeDepthExceededError is raised when a mutation would place a node at
// depth >= 63.
type TreeDepthExceededError struct {
	Depth int
}

func (e *TreeDepthExceededError) Error() string {
	return errors.Newf("tree depth exceeded: %d", e.Depth).Error()
}

func NewTreeDepthExceeded(depth int) error {
	return errors.WithStack(&TreeDepthExceededError{Depth: depth})
}

// NoChangeError is raised when a batch produced a root identical to the
// prior committed root.
type NoChangeError struct{}

func (e *NoChangeError) Error() string {
	return "changelist resulted in no change to tree data"
}

func NewNoChange() error {
	return errors.WithStack(&NoChangeError{})
}

// ServerUnavailableError is raised at sync time when a server cannot be
// reached within its deadline.
type ServerUnavailableError struct {
	URL string
}

func (e *ServerUnavailableError) Error() string {
	return errors.Newf("server unavailable: %s", e.URL).Error()
}

func NewServerUnavailable(url string) error {
	return errors.WithStack(&ServerUnavailableError{URL: url})
}

// ServerReturnedWrongFileError is raised at sync time when a server's
// response fails verification.
type ServerReturnedWrongFileError struct {
	URL      string
	Filename string
}

func (e *ServerReturnedWrongFileError) Error() string {
	return errors.Newf("server %s returned wrong file %s", e.URL, e.Filename).Error()
}

func NewServerReturnedWrongFile(url, filename string) error {
	return errors.WithStack(&ServerReturnedWrongFileError{URL: url, Filename: filename})
}

// AsNoChange reports whether err wraps a NoChangeError.
func AsNoChange(err error) (*NoChangeError, bool) {
	var target *NoChangeError
	return target, errors.As(err, &target)
}

// AsUnknownRoot reports whether err wraps an UnknownRootError.
func AsUnknownRoot(err error) (*UnknownRootError, bool) {
	var target *UnknownRootError
	return target, errors.As(err, &target)
}

// AsKeyNotFound reports whether err wraps a KeyNotFoundError.
func AsKeyNotFound(err error) (*KeyNotFoundError, bool) {
	var target *KeyNotFoundError
	return target, errors.As(err, &target)
}

// AsKeyAlreadyPresent reports whether err wraps a KeyAlreadyPresentError.
func AsKeyAlreadyPresent(err error) (*KeyAlreadyPresentError, bool) {
	var target *KeyAlreadyPresentError
	return target, errors.As(err, &target)
}

// AsInvalidReference reports whether err wraps an InvalidReferenceError.
func AsInvalidReference(err error) (*InvalidReferenceError, bool) {
	var target *InvalidReferenceError
	return target, errors.As(err, &target)
}

// AsRootHashMismatch reports whether err wraps a RootHashMismatchError.
func AsRootHashMismatch(err error) (*RootHashMismatchError, bool) {
	var target *RootHashMismatchError
	return target, errors.As(err, &target)
}
