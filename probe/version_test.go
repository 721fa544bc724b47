package probe

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestMySQLSemver(t *testing.T) {
	Convey("numeric prefixes parse", t, func() {
		v, ok := mysqlSemver("8.0.36")
		So(ok, ShouldBeTrue)
		So(v.String(), ShouldEqual, "8.0.36")

		v, ok = mysqlSemver("10.6.12-MariaDB-log")
		So(ok, ShouldBeTrue)
		So(v.Major, ShouldEqual, 10)
	})

	Convey("garbage does not parse", t, func() {
		_, ok := mysqlSemver("not a version")
		So(ok, ShouldBeFalse)
	})
}

func TestReplicaStatusQuery(t *testing.T) {
	Convey("modern servers use SHOW REPLICA STATUS", t, func() {
		So(replicaStatusQuery("8.0.36"), ShouldEqual, "SHOW REPLICA STATUS")
		So(replicaStatusQuery("10.6.12-MariaDB-log"), ShouldEqual, "SHOW REPLICA STATUS")
	})

	Convey("older servers keep the legacy statement", t, func() {
		So(replicaStatusQuery("8.0.21"), ShouldEqual, "SHOW SLAVE STATUS")
		So(replicaStatusQuery("5.7.44"), ShouldEqual, "SHOW SLAVE STATUS")
		So(replicaStatusQuery("10.4.33-MariaDB"), ShouldEqual, "SHOW SLAVE STATUS")
		So(replicaStatusQuery("garbage"), ShouldEqual, "SHOW SLAVE STATUS")
	})
}
