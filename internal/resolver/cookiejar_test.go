package resolver

import (
	"net/http"
	"testing"
)

func responseWithCookies(cookies ...string) *http.Response {
	header := http.Header{}
	for _, c := range cookies {
		header.Add("Set-Cookie", c)
	}
	return &http.Response{Header: header}
}

func TestAbsorb_DomainAttributeTakesPrecedence(t *testing.T) {
	jar := NewCookieJar()

	jar = jar.Absorb("www.vlive.tv", responseWithCookies(
		"session=abc; Path=/; Domain=.vlive.tv",
		"local=xyz; Path=/",
	))

	// Domain属性付きは親ドメインに、無しはリクエストホストに紐付く
	if got := jar["vlive.tv"]["session"]; got != "abc" {
		t.Errorf("jar[vlive.tv][session] = %q, want abc", got)
	}
	if got := jar["www.vlive.tv"]["local"]; got != "xyz" {
		t.Errorf("jar[www.vlive.tv][local] = %q, want xyz", got)
	}
}

func TestAbsorb_OverwritesSameName(t *testing.T) {
	jar := NewCookieJar()
	jar = jar.Absorb("api.example.com", responseWithCookies("token=old"))
	jar = jar.Absorb("api.example.com", responseWithCookies("token=new"))

	if got := jar["api.example.com"]["token"]; got != "new" {
		t.Errorf("token = %q, want new", got)
	}
}

func TestHeaderFor_IncludesParentDomainCookies(t *testing.T) {
	jar := NewCookieJar()
	jar = jar.Absorb("www.vlive.tv", responseWithCookies("session=abc; Domain=.vlive.tv"))
	jar = jar.Absorb("www.vlive.tv", responseWithCookies("page=p1"))

	// サブドメインへのリクエストは親ドメインのCookieも含む
	got := jar.HeaderFor("www.vlive.tv")
	if got != "page=p1; session=abc" {
		t.Errorf("HeaderFor(www.vlive.tv) = %q, want sorted pair list", got)
	}

	// 親ドメイン自体へのリクエストはサブドメイン限定Cookieを含まない
	got = jar.HeaderFor("vlive.tv")
	if got != "session=abc" {
		t.Errorf("HeaderFor(vlive.tv) = %q, want session only", got)
	}
}

func TestHeaderFor_UnrelatedHost_Empty(t *testing.T) {
	jar := NewCookieJar()
	jar = jar.Absorb("www.vlive.tv", responseWithCookies("session=abc"))

	if got := jar.HeaderFor("example.com"); got != "" {
		t.Errorf("HeaderFor(example.com) = %q, want empty", got)
	}
}
