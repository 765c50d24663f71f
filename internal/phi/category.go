package phi

// Category is one of the eighteen HIPAA Safe Harbor identifier categories.
type Category string

// HIPAA Safe Harbor identifier categories.
const (
	CategoryName            Category = "name"
	CategoryGeographic      Category = "geographic_subdivision"
	CategoryDate            Category = "date"
	CategoryTelephone       Category = "telephone_number"
	CategoryFax             Category = "fax_number"
	CategoryEmail           Category = "email_address"
	CategorySSN             Category = "social_security_number"
	CategoryMRN             Category = "medical_record_number"
	CategoryHealthPlan      Category = "health_plan_beneficiary_number"
	CategoryAccount         Category = "account_number"
	CategoryLicense         Category = "certificate_license_number"
	CategoryVehicle         Category = "vehicle_identifier"
	CategoryDevice          Category = "device_identifier"
	CategoryURL             Category = "web_url"
	CategoryIPAddress       Category = "ip_address"
	CategoryBiometric       Category = "biometric_identifier"
	CategoryFacePhoto       Category = "full_face_photo"
	CategoryOtherIdentifier Category = "other_unique_identifier"
)

var defaultCategories = map[Kind]Category{
	KindSSN:           CategorySSN,
	KindPhone:         CategoryTelephone,
	KindFax:           CategoryFax,
	KindEmail:         CategoryEmail,
	KindIPAddress:     CategoryIPAddress,
	KindURL:           CategoryURL,
	KindName:          CategoryName,
	KindLocation:      CategoryGeographic,
	KindDate:          CategoryDate,
	KindOrganization:  CategoryName,
	KindMRN:           CategoryMRN,
	KindHealthPlanID:  CategoryHealthPlan,
	KindAccountNumber: CategoryAccount,
	KindLicenseNumber: CategoryLicense,
	KindVehicleID:     CategoryVehicle,
	KindDeviceID:      CategoryDevice,
	KindBiometricID:   CategoryBiometric,
	KindZipCode:       CategoryGeographic,
	KindOther:         CategoryOtherIdentifier,
}

// DefaultCategories returns a fresh copy of the built-in kind-to-category
// table. Callers may extend or override entries.
func DefaultCategories() map[Kind]Category {
	out := make(map[Kind]Category, len(defaultCategories))
	for k, c := range defaultCategories {
		out[k] = c
	}
	return out
}

// Kinds returns every built-in kind.
func Kinds() []Kind {
	out := make([]Kind, 0, len(defaultCategories))
	for k := range defaultCategories {
		out = append(out, k)
	}
	return out
}

var defaultPlaceholders = map[Kind]string{
	KindSSN:           "[SSN]",
	KindPhone:         "[PHONE]",
	KindFax:           "[FAX]",
	KindEmail:         "[EMAIL]",
	KindIPAddress:     "[IP_ADDRESS]",
	KindURL:           "[URL]",
	KindName:          "[NAME]",
	KindLocation:      "[LOCATION]",
	KindDate:          "[DATE]",
	KindOrganization:  "[ORGANIZATION]",
	KindMRN:           "[MRN]",
	KindHealthPlanID:  "[HEALTH_PLAN_ID]",
	KindAccountNumber: "[ACCOUNT]",
	KindLicenseNumber: "[LICENSE]",
	KindVehicleID:     "[VEHICLE_ID]",
	KindDeviceID:      "[DEVICE_ID]",
	KindBiometricID:   "[BIOMETRIC_ID]",
	KindZipCode:       "[ZIP_CODE]",
	KindOther:         "[OTHER_UNIQUE_IDENTIFIER]",
}

// DefaultPlaceholders returns a fresh copy of the built-in safe harbor
// placeholder table.
func DefaultPlaceholders() map[Kind]string {
	out := make(map[Kind]string, len(defaultPlaceholders))
	for k, p := range defaultPlaceholders {
		out[k] = p
	}
	return out
}

var categories = map[Category]bool{
	CategoryName: true, CategoryGeographic: true, CategoryDate: true, CategoryTelephone: true,
	CategoryFax: true, CategoryEmail: true, CategorySSN: true, CategoryMRN: true,
	CategoryHealthPlan: true, CategoryAccount: true, CategoryLicense: true, CategoryVehicle: true,
	CategoryDevice: true, CategoryURL: true, CategoryIPAddress: true, CategoryBiometric: true,
	CategoryFacePhoto: true, CategoryOtherIdentifier: true,
}

// Valid reports whether c is one of the eighteen Safe Harbor categories.
func (c Category) Valid() bool { return categories[c] }
