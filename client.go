package catalog

import (
	"reflect"
	"sync"

	"github.com/hysios/catalog/internal/delegate"
	"github.com/pkg/errors"
	"google.golang.org/grpc"
)

// Client builds a typed client for iface over the catalog's failover proxy,
// typically with a generated constructor:
//
//	greeter := catalog.Client(c, "helloworld.Greeter", pb.NewGreeterClient)
func Client[T any](c *Catalog, iface string, ctor func(grpc.ClientConnInterface) T) T {
	return ctor(c.ServiceProxy(iface))
}

var clientRegistry sync.Map

// RegisterClient records the generated constructor used by Make for iface.
// It panics if ctor does not look like one.
func RegisterClient(iface string, ctor delegate.ClientCtor) {
	if err := delegate.ClientValid(ctor); err != nil {
		panic(errors.Wrapf(err, "client %s", iface))
	}
	clientRegistry.Store(iface, ctor)
}

// Make stores a client for iface into impl, which must point to a variable
// of the client's interface type.
func (c *Catalog) Make(iface string, impl interface{}) error {
	ctor, ok := clientRegistry.Load(iface)
	if !ok {
		return errors.Wrap(ErrClientNotFound, iface)
	}

	ptr := reflect.ValueOf(impl)
	if ptr.Kind() != reflect.Ptr || ptr.IsNil() {
		return errors.Errorf("make %s: impl must be a non-nil pointer", iface)
	}

	proxy := delegate.ClientProxy{ClientCtor: ctor}
	out, err := proxy.Out()
	if err != nil {
		return err
	}
	if !out.AssignableTo(ptr.Elem().Type()) {
		return errors.Errorf("make %s: %s is not assignable to %s", iface, out, ptr.Elem().Type())
	}

	client, err := proxy.Call(c.ServiceProxy(iface))
	if err != nil {
		return err
	}

	ptr.Elem().Set(reflect.ValueOf(client))
	return nil
}
