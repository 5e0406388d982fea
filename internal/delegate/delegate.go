// Package delegate calls generated gRPC client constructors through
// reflection, for callers that only know the constructor as a value.
package delegate

import (
	"errors"
	"reflect"

	"google.golang.org/grpc"
)

type ClientCtor any

var clientConnInterType = reflect.TypeOf((*grpc.ClientConnInterface)(nil)).Elem()

// ClientValid checks that ctor has the shape of a generated constructor:
// func(grpc.ClientConnInterface) SomeInterface.
func ClientValid(ctor ClientCtor) error {
	var cliVal = reflect.ValueOf(ctor)
	if cliVal.Kind() != reflect.Func {
		return errors.New("clientCtor must be a function")
	}

	var cliType = cliVal.Type()
	if cliType.NumIn() != 1 || !clientConnInterType.AssignableTo(cliType.In(0)) {
		return errors.New("clientCtor must take a single grpc.ClientConnInterface")
	}

	if cliType.NumOut() != 1 || cliType.Out(0).Kind() != reflect.Interface {
		return errors.New("clientCtor must return a single interface value")
	}

	return nil
}

type ClientProxy struct {
	ClientCtor ClientCtor
}

// Out returns the client type the constructor produces.
func (client *ClientProxy) Out() (reflect.Type, error) {
	if err := ClientValid(client.ClientCtor); err != nil {
		return nil, err
	}
	return reflect.TypeOf(client.ClientCtor).Out(0), nil
}

// Call builds a client over conn.
func (client *ClientProxy) Call(conn grpc.ClientConnInterface) (interface{}, error) {
	if err := ClientValid(client.ClientCtor); err != nil {
		return nil, err
	}

	var cliVal = reflect.ValueOf(client.ClientCtor)
	var out = cliVal.Call([]reflect.Value{reflect.ValueOf(&conn).Elem()})
	if out[0].IsNil() {
		return nil, errors.New("clientCtor return value is nil")
	}

	return out[0].Interface(), nil
}
