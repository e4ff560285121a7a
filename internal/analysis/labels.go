package analysis

// FeatureNames lists the 45 feature slots in matrix order. Indices are
// stable: persisted feature vectors and explanation lookups key off them.
var FeatureNames = []string{
	// 0-24: base block
	"key_size_normalized",
	"algorithm_age_score",
	"is_ecdsa",
	"is_rsa_pss",
	"validity_days",
	"validity_ratio",
	"days_until_expiry",
	"is_expired",
	"icao_compliant",
	"trust_chain_valid",
	"icao_violation_count",
	"key_usage_compliant",
	"algorithm_compliant",
	"extension_count",
	"has_crl_dp",
	"has_ocsp",
	"has_aki",
	"is_ca",
	"is_self_signed",
	"version",
	"path_len",
	"key_size_vs_country_avg",
	"validity_vs_country_avg",
	"country_cert_count",
	"cert_type_encoded",
	// 25-28: issuer profile
	"issuer_cert_count",
	"issuer_anomaly_rate",
	"issuer_type_diversity",
	"issuer_country_match",
	// 29-32: temporal
	"issuance_month",
	"validity_zscore_by_type",
	"issuance_rate_deviation",
	"elapsed_life_ratio",
	// 33-36: DN structure
	"subject_dn_field_count",
	"issuer_dn_field_count",
	"dn_format_type",
	"subject_has_email",
	// 37-40: extension profile
	"extension_pattern_hash",
	"unexpected_extension_count",
	"missing_required_count",
	"critical_extension_count",
	// 41-44: cross-certificate
	"key_size_vs_issuer_avg",
	"algorithm_matches_issuer",
	"country_compliance_proxy",
	"extension_pattern_match",
}

// NumFeatures is the width of the feature matrix.
const NumFeatures = 45

// featureLabelsKO maps feature names to the analyst-facing labels used in
// anomaly explanations. Factored into a table so other locales can be added
// without touching the scoring math.
var featureLabelsKO = map[string]string{
	"key_size_normalized":        "키 크기",
	"algorithm_age_score":        "알고리즘 권장 수준",
	"is_ecdsa":                   "ECDSA 사용 여부",
	"is_rsa_pss":                 "RSA-PSS 사용 여부",
	"validity_days":              "유효기간 일수",
	"validity_ratio":             "유형 평균 대비 유효기간",
	"days_until_expiry":          "만료까지 남은 일수",
	"is_expired":                 "만료 여부",
	"icao_compliant":             "ICAO 9303 준수",
	"trust_chain_valid":          "신뢰 체인 유효성",
	"icao_violation_count":       "ICAO 위반 항목 수",
	"key_usage_compliant":        "Key Usage 준수",
	"algorithm_compliant":        "알고리즘 준수",
	"extension_count":            "확장 필드 수",
	"has_crl_dp":                 "CRL Distribution Point 존재",
	"has_ocsp":                   "OCSP Responder 존재",
	"has_aki":                    "Authority Key Identifier 존재",
	"is_ca":                      "CA 인증서 여부",
	"is_self_signed":             "자체 서명 여부",
	"version":                    "X.509 버전",
	"path_len":                   "pathLen 제약",
	"key_size_vs_country_avg":    "국가 평균 대비 키 크기 편차",
	"validity_vs_country_avg":    "국가 평균 대비 유효기간 편차",
	"country_cert_count":         "해당 국가 인증서 수",
	"cert_type_encoded":          "인증서 유형",
	"issuer_cert_count":          "발급자 인증서 수",
	"issuer_anomaly_rate":        "발급자 이상 비율",
	"issuer_type_diversity":      "발급자 유형 다양성",
	"issuer_country_match":       "발급자-주체 국가 일치",
	"issuance_month":             "발급 월",
	"validity_zscore_by_type":    "유형 내 유효기간 편차",
	"issuance_rate_deviation":    "국가-연도 발급률 편차",
	"elapsed_life_ratio":         "경과 수명 비율",
	"subject_dn_field_count":     "Subject DN 필드 수",
	"issuer_dn_field_count":      "Issuer DN 필드 수",
	"dn_format_type":             "DN 형식 유형",
	"subject_has_email":          "Subject DN 이메일 포함",
	"extension_pattern_hash":     "확장 필드 패턴",
	"unexpected_extension_count": "유형 외 확장 필드 수",
	"missing_required_count":     "필수 확장 필드 누락 수",
	"critical_extension_count":   "critical 표시 확장 수",
	"key_size_vs_issuer_avg":     "발급자 평균 대비 키 크기 편차",
	"algorithm_matches_issuer":   "발급자 주 알고리즘 일치",
	"country_compliance_proxy":   "국가 준수 수준",
	"extension_pattern_match":    "유형 대표 확장 패턴 일치",
}

// FeatureLabel returns the localised label for a feature, falling back to
// the raw name for unknown slots.
func FeatureLabel(name string) string {
	if l, ok := featureLabelsKO[name]; ok {
		return l
	}
	return name
}

// findingMessagesKO maps risk categories to the analyst-facing finding
// messages emitted by the forensic scorer.
var findingMessagesKO = map[string]string{
	"algorithm":              "취약하거나 권장되지 않는 서명 알고리즘 사용",
	"key_size":               "공개키 크기가 권장 기준 미달",
	"compliance":             "ICAO Doc 9303 미준수",
	"validity":               "유효기간 만료 또는 임박",
	"anomaly":                "통계적 이상 패턴 탐지",
	"issuer_reputation":      "발급자 행동 프로파일 이상",
	"structural_consistency": "인증서 확장 구조가 유형 프로파일과 불일치",
	"temporal_pattern":       "비정상적인 유효기간 패턴",
	"dn_consistency":         "DN 구성이 등록 국가와 불일치",
}

// FindingMessage returns the localised finding message for a risk category.
func FindingMessage(category string) string {
	if m, ok := findingMessagesKO[category]; ok {
		return m
	}
	return category
}
