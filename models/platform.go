package models

// ParsePlatform maps a platform name to its Platform value
func ParsePlatform(name string) (Platform, error) {
	switch p := Platform(name); p {
	case PlatformWhatsApp, PlatformWhatsAppBusiness, PlatformGmail, PlatformIMAP:
		return p, nil
	default:
		return "", ErrUnknownPlatform
	}
}

// IsMail reports whether the platform carries email
func (p Platform) IsMail() bool {
	return p == PlatformGmail || p == PlatformIMAP
}
