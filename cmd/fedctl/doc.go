// Package main (cmd/fedctl) is the command line client for the trust anchor.
//
//	fedctl register --entity-type OP https://op.example.com
//	fedctl fetch https://op.example.com
//	fedctl rules create --name op_issuer --scope OP \
//	  --field metadata.openid_provider.issuer --kind regex --value 'https://.*'
//	fedctl rules import rules.yaml
//	fedctl --admin-jwt-key $KEY keys rotate
//
// Admin commands sign a short lived HS256 token with --admin-jwt-key.
package main
