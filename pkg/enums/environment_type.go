package enums

import "fmt"

// EnvironmentType identifies which class of environment a run belongs to.
type EnvironmentType int

const (
	EnvironmentTypeDevelopment EnvironmentType = iota
	EnvironmentTypeStaging
	EnvironmentTypePreview
	EnvironmentTypeProduction
)

func (e EnvironmentType) String() string {
	switch e {
	case EnvironmentTypeDevelopment:
		return "DEVELOPMENT"
	case EnvironmentTypeStaging:
		return "STAGING"
	case EnvironmentTypePreview:
		return "PREVIEW"
	case EnvironmentTypeProduction:
		return "PRODUCTION"
	default:
		return "UNKNOWN"
	}
}

func EnvironmentTypeFromString(s string) (EnvironmentType, error) {
	switch s {
	case "DEVELOPMENT":
		return EnvironmentTypeDevelopment, nil
	case "STAGING":
		return EnvironmentTypeStaging, nil
	case "PREVIEW":
		return EnvironmentTypePreview, nil
	case "PRODUCTION":
		return EnvironmentTypeProduction, nil
	default:
		return EnvironmentTypeDevelopment, fmt.Errorf("unknown environment type: %q", s)
	}
}

func (e EnvironmentType) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

func (e *EnvironmentType) UnmarshalText(b []byte) error {
	v, err := EnvironmentTypeFromString(string(b))
	if err != nil {
		return err
	}
	*e = v
	return nil
}
