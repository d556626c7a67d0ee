package classify

import (
	"context"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"reflect"
	"sort"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// known lists error types that can be named in configuration.
var known = map[string]reflect.Type{
	"*fs.PathError":            reflect.TypeOf((*fs.PathError)(nil)),
	"*net.OpError":             reflect.TypeOf((*net.OpError)(nil)),
	"*net.DNSError":            reflect.TypeOf((*net.DNSError)(nil)),
	"*url.Error":               reflect.TypeOf((*url.Error)(nil)),
	"syscall.Errno":            reflect.TypeOf(syscall.Errno(0)),
	"context.DeadlineExceeded": reflect.TypeOf(context.DeadlineExceeded),
	"*pq.Error":                reflect.TypeOf((*pq.Error)(nil)),
	"*pgconn.PgError":          reflect.TypeOf((*pgconn.PgError)(nil)),
	"*pgconn.ConnectError":     reflect.TypeOf((*pgconn.ConnectError)(nil)),
	"*amqp.Error":              reflect.TypeOf((*amqp.Error)(nil)),
}

// Lookup returns the error type registered under name.
func Lookup(name string) (reflect.Type, bool) {
	t, ok := known[strings.TrimSpace(name)]
	return t, ok
}

// KnownNames returns the sorted names accepted by AcceptNames.
func KnownNames() []string {
	names := make([]string, 0, len(known))
	for name := range known {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AcceptNames registers the named error types. It fails on the first unknown
// name without registering anything.
func (c *Classifier) AcceptNames(names ...string) error {
	types := make([]reflect.Type, 0, len(names))
	for _, name := range names {
		t, ok := Lookup(name)
		if !ok {
			return fmt.Errorf("unknown retryable error type %q (known: %s)",
				name, strings.Join(KnownNames(), ", "))
		}
		types = append(types, t)
	}
	for _, t := range types {
		c.AcceptType(t)
	}
	return nil
}
