package builtin

import "github.com/gofhir/termserver/resource"

// ValueSets returns a small set of built-in ValueSets, one for each of the
// built-in CodeSystems listed below (v2-0136 and the MIME/URI open systems
// have none), each composed of that system's entire content. They exist so
// the server has something to $expand against out of the box; a deployment
// loading its own FHIR packages will register many more.
func ValueSets() []*resource.ValueSet {
	def := func(url, version, name string, system string) *resource.ValueSet {
		return &resource.ValueSet{
			Canonical: resource.Canonical{URL: url, Version: version, Name: name, Status: resource.StatusActive},
			Compose: &resource.Compose{
				Include: []resource.ConceptSet{{System: system}},
			},
		}
	}
	return []*resource.ValueSet{
		def("http://hl7.org/fhir/ValueSet/administrative-gender", "4.0.1", "AdministrativeGender", "http://hl7.org/fhir/administrative-gender"),
		def("http://hl7.org/fhir/ValueSet/currencies", "2023", "Currencies", "urn:iso:std:iso:4217"),
		def("http://hl7.org/fhir/ValueSet/iso3166-1-2", "2020", "Iso3166", "urn:iso:std:iso:3166"),
		def("http://hl7.org/fhir/ValueSet/name-use", "4.0.1", "NameUse", "http://hl7.org/fhir/name-use"),
		def("http://hl7.org/fhir/ValueSet/address-use", "4.0.1", "AddressUse", "http://hl7.org/fhir/address-use"),
		def("http://hl7.org/fhir/ValueSet/identifier-use", "4.0.1", "IdentifierUse", "http://hl7.org/fhir/identifier-use"),
		def("http://hl7.org/fhir/ValueSet/observation-status", "4.0.1", "ObservationStatus", "http://hl7.org/fhir/observation-status"),
		def("http://hl7.org/fhir/ValueSet/publication-status", "4.0.1", "PublicationStatus", "http://hl7.org/fhir/publication-status"),
		def("http://hl7.org/fhir/ValueSet/request-status", "4.0.1", "RequestStatus", "http://hl7.org/fhir/request-status"),
		def("http://terminology.hl7.org/ValueSet/condition-clinical", "4.0.1", "ConditionClinical", "http://terminology.hl7.org/CodeSystem/condition-clinical"),
	}
}
