package db

// LabResource is a specific type of database model that is designed to be imported from a YAML file.
// Only these types of resources require a JSON schema for validation purposes, so as a result, we can
// identify them by their inclusion of relevant schema function(s).
//
// Database models that do not satisfy this interface are used for other purposes, such as state
// tracking of live sessions.
type LabResource interface {
	JSValidate() bool
}

// EnforceInterfaceCompliance uses LabResource types to ensure conformance with the interface
func EnforceInterfaceCompliance() {
	func(lr LabResource) {}(Lab{})
}
