// Package backend provides the command backends the topology manager
// drives.
//
// Recorder keeps every command in memory and never touches a host. It
// backs dry runs and tests.
//
// SSHBackend provisions real hosts: CONFIGURE uploads one properties file
// per config type over SFTP, while INSTALL and START run the component's
// stack command template through SSH. Templates are Go text/template
// strings and see the command, the component's service and the cluster
// configuration:
//
//	commands:
//	  INSTALL: yum install -y hadoop-hdfs-namenode
//	  START: HADOOP_CONF_DIR={{.ConfigDir}} systemctl start hadoop-hdfs-namenode
//	  # {{index .Config "hdfs-site" "dfs.replication"}}
package backend
