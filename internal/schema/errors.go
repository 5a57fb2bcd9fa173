package schema

import "github.com/cubeflow-ai/calmcore/internal/calmerr"

func errReservedName(name string) error {
	return calmerr.Newf(calmerr.InvalidParam, "schema: field name %q is reserved", name)
}

func errFieldExists(name string) error {
	return calmerr.Newf(calmerr.Existed, "schema: field %q already exists", name)
}

func errFieldMissing(name string) error {
	return calmerr.Newf(calmerr.NotExisted, "schema: field %q not found", name)
}
