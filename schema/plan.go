package schema

import (
	"fmt"
	"slices"
	"strings"
)

// Plan compares the current and desired definitions of a table and returns
// the alterations that turn one into the other: added columns first, then
// type, nullability and default changes, then dropped columns. Columns are
// matched by name, so a rename shows up as a drop plus an add. Drops and type
// changes fail with ErrDestructive unless allowDestructive is set. Primary key
// and unique changes are not planned and fail with ErrUnsupported.
func Plan(current, desired *TableSpec, allowDestructive bool) ([]AlterOp, error) {
	if err := desired.Validate(); err != nil {
		return nil, err
	}
	if !slices.Equal(current.PrimaryKey, desired.PrimaryKey) {
		return nil, fmt.Errorf("%w: changing the primary key of %s", ErrUnsupported, current.Name)
	}

	var adds, changes, drops []AlterOp
	for _, want := range desired.Columns {
		have, ok := current.Column(want.Name)
		if !ok {
			spec := want
			adds = append(adds, AlterOp{Kind: OpAddColumn, Column: want.Name, Spec: &spec})
			continue
		}
		if have.Unique != want.Unique {
			return nil, fmt.Errorf("%w: changing the unique constraint of %s", ErrUnsupported, want.Name)
		}
		if !have.SameType(want) {
			spec := want
			changes = append(changes, AlterOp{Kind: OpAlterType, Column: want.Name, Spec: &spec})
		}
		if have.Nullable != want.Nullable {
			kind := OpSetNotNull
			if want.Nullable {
				kind = OpDropNotNull
			}
			changes = append(changes, AlterOp{Kind: kind, Column: want.Name})
		}
		if want.Type != TypeSerial && !sameDefault(want, want.Default, have.Default) {
			if want.Default == nil {
				changes = append(changes, AlterOp{Kind: OpDropDefault, Column: want.Name})
			} else {
				changes = append(changes, AlterOp{Kind: OpSetDefault, Column: want.Name, Default: want.Default})
			}
		}
	}
	for _, have := range current.Columns {
		if _, ok := desired.Column(have.Name); !ok {
			drops = append(drops, AlterOp{Kind: OpDropColumn, Column: have.Name})
		}
	}

	ops := append(append(adds, changes...), drops...)
	if !allowDestructive {
		var blocked []string
		for _, op := range ops {
			if op.Destructive() {
				blocked = append(blocked, op.String())
			}
		}
		if len(blocked) > 0 {
			return ops, fmt.Errorf("%w: %s", ErrDestructive, strings.Join(blocked, "; "))
		}
	}
	return ops, nil
}
