package mock

import (
	"reflect"

	"github.com/golang/mock/gomock"
)

// MockThreadSafeGenerator is a hand-written mock of
// random.ThreadSafeGenerator.
type MockThreadSafeGenerator struct {
	ctrl     *gomock.Controller
	recorder *MockThreadSafeGeneratorMockRecorder
}

// MockThreadSafeGeneratorMockRecorder records expected calls to
// MockThreadSafeGenerator.
type MockThreadSafeGeneratorMockRecorder struct {
	mock *MockThreadSafeGenerator
}

// NewMockThreadSafeGenerator constructs a MockThreadSafeGenerator
// bound to ctrl.
func NewMockThreadSafeGenerator(ctrl *gomock.Controller) *MockThreadSafeGenerator {
	m := &MockThreadSafeGenerator{ctrl: ctrl}
	m.recorder = &MockThreadSafeGeneratorMockRecorder{mock: m}
	return m
}

// EXPECT returns the recorder used to set up expectations.
func (m *MockThreadSafeGenerator) EXPECT() *MockThreadSafeGeneratorMockRecorder {
	return m.recorder
}

// Int63n mocks random.ThreadSafeGenerator's Int63n method.
func (m *MockThreadSafeGenerator) Int63n(n int64) int64 {
	ret := m.ctrl.Call(m, "Int63n", n)
	return ret[0].(int64)
}

// Int63n sets up an expectation for a call to Int63n.
func (r *MockThreadSafeGeneratorMockRecorder) Int63n(n interface{}) *gomock.Call {
	return r.mock.ctrl.RecordCallWithMethodType(r.mock, "Int63n", reflect.TypeOf((*MockThreadSafeGenerator)(nil).Int63n), n)
}

// Uint64 mocks random.ThreadSafeGenerator's Uint64 method.
func (m *MockThreadSafeGenerator) Uint64() uint64 {
	ret := m.ctrl.Call(m, "Uint64")
	return ret[0].(uint64)
}

// Uint64 sets up an expectation for a call to Uint64.
func (r *MockThreadSafeGeneratorMockRecorder) Uint64() *gomock.Call {
	return r.mock.ctrl.RecordCallWithMethodType(r.mock, "Uint64", reflect.TypeOf((*MockThreadSafeGenerator)(nil).Uint64))
}
