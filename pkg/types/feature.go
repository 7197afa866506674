package types

// Attribute is a named, typed attribute value.
type Attribute struct {
	Name  string
	Value Value
}

// Feature is an immutable feature record. Offset is assigned when the feature
// store is built and stays stable for the life of the snapshot.
type Feature struct {
	ID         string
	Geometry   Geometry
	Attributes []Attribute
	Offset     uint64
}

// Attr returns the value of the named attribute.
func (f *Feature) Attr(name string) (Value, bool) {
	return lookupAttr(f.Attributes, name)
}

// BBox returns the 2D bounding box of the feature geometry.
func (f *Feature) BBox() BBox {
	return f.Geometry.BBox()
}

// Summary is the part of a feature record needed to confirm predicates:
// identifier, bounding box and attributes, without the geometry payload.
type Summary struct {
	ID         string
	BBox       BBox
	Attributes []Attribute
	Offset     uint64
}

// Attr returns the value of the named attribute.
func (s *Summary) Attr(name string) (Value, bool) {
	return lookupAttr(s.Attributes, name)
}

func lookupAttr(attrs []Attribute, name string) (Value, bool) {
	for _, a := range attrs {
		if a.Name == name {
			return a.Value, true
		}
	}
	return Value{}, false
}
