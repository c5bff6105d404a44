package transport

import "reflect"

// TypeName returns the message type name used for exchange naming: the bare
// Go type name with pointers stripped and no package path.
func TypeName(v any) string {
	return typeName(reflect.TypeOf(v))
}

// TypeNameOf is TypeName for a type parameter.
func TypeNameOf[T any]() string {
	return typeName(reflect.TypeOf((*T)(nil)).Elem())
}

func typeName(t reflect.Type) string {
	if t == nil {
		return ""
	}
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if name := t.Name(); name != "" {
		return name
	}
	return t.String()
}
