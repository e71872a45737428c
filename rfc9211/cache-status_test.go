package rfc9211

import "testing"

func TestHitString(t *testing.T) {
	cs := CacheStatus{Cache: "ExampleCache"}
	cs.Hit()
	if s := cs.String(); s != "ExampleCache; hit" {
		t.Fatalf("Cache-Status is %s", s)
	}
}

func TestForwardString(t *testing.T) {
	cs := CacheStatus{}
	cs.Forward(FwdReasonUriMiss)
	cs.FwdStatus = 200
	cs.Stored = true
	if s := cs.String(); s != DefaultCacheName+"; fwd=uri-miss; fwd-status=200; stored" {
		t.Fatalf("Cache-Status is %s", s)
	}
}

func TestDetail(t *testing.T) {
	cs := CacheStatus{Cache: "C", Detail: "offline"}
	cs.Hit()
	if s := cs.String(); s != "C; hit; detail=offline" {
		t.Fatalf("Cache-Status is %s", s)
	}
}
